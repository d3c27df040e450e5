package zmq

import (
	"fmt"
	"time"
)

// Config for the ZeroMQ PUSH/PULL transport.
type Config struct {
	// PushEndpoint is where Send delivers frames (connects unless BindPush).
	PushEndpoint string
	BindPush     bool
	// PullEndpoint is where Receive reads frames (binds unless ConnectPull).
	PullEndpoint string
	ConnectPull  bool

	// SendHWM bounds frames queued inside libzmq per peer.
	SendHWM int
	// BufferSize is the capacity of the in-process send queue.
	BufferSize int
	// Concurrency is the number of handler goroutines per Receive.
	Concurrency int
	// PollInterval bounds how long a blocked read waits before checking for shutdown.
	PollInterval time.Duration
	// MaxDeliveries drops a frame once it was Nacked this many times.
	MaxDeliveries int
}

func Defaults() Config {
	return Config{
		PushEndpoint:  "tcp://127.0.0.1:5599",
		PullEndpoint:  "tcp://*:5599",
		SendHWM:       1000,
		BufferSize:    1024,
		Concurrency:   1,
		PollInterval:  250 * time.Millisecond,
		MaxDeliveries: 5,
	}
}

func (c Config) Validate() error {
	if c.PushEndpoint == "" && c.PullEndpoint == "" {
		return fmt.Errorf("config: push_endpoint or pull_endpoint required")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be > 0, got %v", c.PollInterval)
	}
	if c.MaxDeliveries < 1 {
		return fmt.Errorf("config: max_deliveries must be >= 1, got %d", c.MaxDeliveries)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"push_endpoint":  c.PushEndpoint,
		"bind_push":      c.BindPush,
		"pull_endpoint":  c.PullEndpoint,
		"connect_pull":   c.ConnectPull,
		"send_hwm":       c.SendHWM,
		"buffer_size":    c.BufferSize,
		"concurrency":    c.Concurrency,
		"poll_interval":  c.PollInterval,
		"max_deliveries": c.MaxDeliveries,
	}
}

// ConfigFromMap converts a generic map to Config, falling back to Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["push_endpoint"].(string); ok {
		c.PushEndpoint = v
	}
	if v, ok := m["bind_push"].(bool); ok {
		c.BindPush = v
	}
	if v, ok := m["pull_endpoint"].(string); ok {
		c.PullEndpoint = v
	}
	if v, ok := m["connect_pull"].(bool); ok {
		c.ConnectPull = v
	}
	if v, ok := intOf(m["send_hwm"]); ok && v >= 0 {
		c.SendHWM = v
	}
	if v, ok := intOf(m["buffer_size"]); ok && v > 0 {
		c.BufferSize = v
	}
	if v, ok := intOf(m["concurrency"]); ok && v > 0 {
		c.Concurrency = v
	}
	switch v := m["poll_interval"].(type) {
	case time.Duration:
		if v > 0 {
			c.PollInterval = v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.PollInterval = d
		}
	case float64:
		if v > 0 {
			c.PollInterval = time.Duration(v)
		}
	}
	if v, ok := intOf(m["max_deliveries"]); ok && v > 0 {
		c.MaxDeliveries = v
	}
	return c
}

// intOf accepts the integer shapes produced by Go literals and by decoded
// JSON or YAML (float64, int64).
func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
