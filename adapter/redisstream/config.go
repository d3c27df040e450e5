package redisstream

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config for Redis Streams transport with production-grade settings.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Queue
	Stream string

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Producer
	SendWorkers int

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery (automatic crash recovery)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xqueue"
	}

	return Config{
		Addr:            "127.0.0.1:6379",
		DB:              0,
		TLS:             false,
		Stream:          "xqueue",
		Group:           "xqueue",
		Consumer:        fmt.Sprintf("xqueue-%s-%d", hostname, os.Getpid()),
		Concurrency:     8,
		BatchSize:       128,
		Block:           5 * time.Second,
		AutoCreate:      true,
		SendWorkers:     2,
		AutoDeleteOnAck: false,
		ClaimBatch:      128,
		ClaimInterval:   15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.SendWorkers < 1 {
		return fmt.Errorf("config: send_workers must be >= 1, got %d", c.SendWorkers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.DeadLetter != "" && c.DeadLetter == c.Stream {
		return fmt.Errorf("config: dead_letter must differ from stream %q", c.Stream)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

func (c Config) claimEnabled() bool {
	return c.ClaimMinIdle > 0 && c.ClaimInterval > 0 && c.ClaimBatch > 0
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"stream":             c.Stream,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"send_workers":       c.SendWorkers,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap overlays m onto Defaults. Numbers may arrive as any int
// kind or float64 (decoded JSON/YAML); durations as time.Duration, a
// duration string or nanoseconds.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	r := mapReader(m)

	r.str("addr", &c.Addr, false)
	r.str("username", &c.Username, true)
	r.str("password", &c.Password, true)
	r.str("tls_server_name", &c.TLSServerName, true)
	r.str("stream", &c.Stream, false)
	r.str("group", &c.Group, false)
	r.str("consumer", &c.Consumer, false)
	r.str("dead_letter", &c.DeadLetter, true)

	r.flag("tls", &c.TLS)
	r.flag("auto_create", &c.AutoCreate)
	r.flag("auto_delete_on_ack", &c.AutoDeleteOnAck)

	if v, ok := r.num("db"); ok && v >= 0 {
		c.DB = int(v)
	}
	r.positive("concurrency", &c.Concurrency)
	r.positive("send_workers", &c.SendWorkers)
	r.positive("batch_size", &c.BatchSize)
	r.positive("claim_batch", &c.ClaimBatch)
	if v, ok := r.num("max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = v
	}

	if v, ok := r.dur("block"); ok && v > 0 {
		c.Block = v
	}
	if v, ok := r.dur("claim_min_idle"); ok && v >= 0 {
		c.ClaimMinIdle = v
	}
	if v, ok := r.dur("claim_interval"); ok && v > 0 {
		c.ClaimInterval = v
	}

	return c
}

type mapReader map[string]any

// str copies a string value; empty values only count when allowEmpty.
func (r mapReader) str(key string, dst *string, allowEmpty bool) {
	if v, ok := r[key].(string); ok && (allowEmpty || v != "") {
		*dst = v
	}
}

func (r mapReader) flag(key string, dst *bool) {
	if v, ok := r[key].(bool); ok {
		*dst = v
	}
}

func (r mapReader) num(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (r mapReader) positive(key string, dst *int) {
	if v, ok := r.num(key); ok && v > 0 {
		*dst = int(v)
	}
}

func (r mapReader) dur(key string) (time.Duration, bool) {
	switch v := r[key].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	case int64:
		return time.Duration(v), true
	case float64:
		return time.Duration(v), true
	}
	return 0, false
}
