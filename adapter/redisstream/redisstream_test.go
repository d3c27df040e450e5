package redisstream

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
)

// testConfig returns a Config pointing at XQUEUE_REDIS_ADDR with a unique
// stream and group, or skips the test when the variable is unset.
func testConfig(t testing.TB) Config {
	t.Helper()
	addr := os.Getenv("XQUEUE_REDIS_ADDR")
	if addr == "" {
		t.Skip("XQUEUE_REDIS_ADDR not set")
	}
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	cfg := Defaults()
	cfg.Addr = addr
	cfg.Password = os.Getenv("XQUEUE_REDIS_PASSWORD")
	cfg.Stream = "xqueue-test-" + suffix
	cfg.Group = "xqueue-test-group-" + suffix
	cfg.Block = 200 * time.Millisecond
	return cfg
}

func redisClient(t testing.TB, cfg Config) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

// cleanupStream removes a stream and its consumer group.
func cleanupStream(client *redis.Client, stream, group string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if group != "" {
		_ = client.XGroupDestroy(ctx, stream, group).Err()
	}
	_ = client.Del(ctx, stream).Err()
}

func TestConfigFromMap_Defaults(t *testing.T) {
	cfg := ConfigFromMap(nil)
	def := Defaults()

	assert.Equal(t, def.Addr, cfg.Addr)
	assert.Equal(t, "xqueue", cfg.Stream)
	assert.Equal(t, "xqueue", cfg.Group)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 2, cfg.SendWorkers)
	assert.Equal(t, 128, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Block)
	assert.True(t, cfg.AutoCreate)
	assert.NoError(t, cfg.Validate())
}

func TestConfigFromMap_RoundTripsToMap(t *testing.T) {
	in := Defaults()
	in.Addr = "redis:6380"
	in.Stream = "orders"
	in.Group = "billing"
	in.Consumer = "billing-1"
	in.Concurrency = 3
	in.SendWorkers = 4
	in.BatchSize = 16
	in.Block = time.Second
	in.AutoDeleteOnAck = true
	in.DeadLetter = "orders-dlq"
	in.MaxLenApprox = 10000
	in.ClaimMinIdle = time.Minute

	out := ConfigFromMap(in.toMap())
	assert.Equal(t, in, out)
}

func TestConfigFromMap_DurationStrings(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"block":          "250ms",
		"claim_min_idle": "30s",
		"claim_interval": "bogus",
	})
	assert.Equal(t, 250*time.Millisecond, cfg.Block)
	assert.Equal(t, 30*time.Second, cfg.ClaimMinIdle)
	assert.Equal(t, 15*time.Second, cfg.ClaimInterval)
}

func TestConfigFromMap_DecodedNumbers(t *testing.T) {
	// Shapes produced by encoding/json and env-style string maps.
	cfg := ConfigFromMap(map[string]any{
		"db":             float64(2),
		"concurrency":    float64(6),
		"batch_size":     "32",
		"max_len_approx": float64(5000),
		"claim_batch":    int64(10),
		"send_workers":   float64(-1),
		"claim_interval": float64(time.Second),
	})
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 6, cfg.Concurrency)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, int64(5000), cfg.MaxLenApprox)
	assert.Equal(t, 10, cfg.ClaimBatch)
	assert.Equal(t, 2, cfg.SendWorkers)
	assert.Equal(t, time.Second, cfg.ClaimInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"empty stream", func(c *Config) { c.Stream = "" }},
		{"empty group", func(c *Config) { c.Group = "" }},
		{"empty consumer", func(c *Config) { c.Consumer = "" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"zero send workers", func(c *Config) { c.SendWorkers = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero block", func(c *Config) { c.Block = 0 }},
		{"dead letter equals stream", func(c *Config) { c.DeadLetter = c.Stream }},
		{"claim without interval", func(c *Config) {
			c.ClaimMinIdle = time.Minute
			c.ClaimInterval = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDecodeEntry(t *testing.T) {
	msg := decodeEntry("orders", "1700000000123-4", map[string]any{
		fieldBody: `{"payload":"hi","enqueued_at":"1700000000000"}`,
		"origin":  []byte("api"),
	})

	assert.Equal(t, "1700000000123-4", msg.ID)
	assert.Equal(t, `{"payload":"hi","enqueued_at":"1700000000000"}`, msg.Body)
	assert.Equal(t, "orders", msg.Attributes["stream"])
	assert.Equal(t, "1700000000123", msg.Attributes["sent_timestamp"])
	assert.Equal(t, "api", msg.Attributes["origin"])
	assert.NotContains(t, msg.Attributes, fieldBody)
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestEntryMillis(t *testing.T) {
	ms, ok := entryMillis("1526919030474-55")
	assert.True(t, ok)
	assert.Equal(t, int64(1526919030474), ms)

	_, ok = entryMillis("garbage")
	assert.False(t, ok)
	_, ok = entryMillis("x-1")
	assert.False(t, ok)
}

func TestNewTransport_InvalidConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Stream = ""
	_, err := NewTransport(cfg)
	assert.Error(t, err)
}

// sendAndWait sends body and blocks until the transport reports completion.
func sendAndWait(t *testing.T, ctx context.Context, tr xqueue.Transport, body string) string {
	t.Helper()
	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	require.NoError(t, tr.Send(ctx, body, func(id string, err error) {
		ch <- result{id, err}
	}))
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.id
	case <-ctx.Done():
		t.Fatal("send did not complete")
		return ""
	}
}

func TestSend_WritesStreamEntry(t *testing.T) {
	cfg := testConfig(t)
	client := redisClient(t, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, "")

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := sendAndWait(t, ctx, tr, `{"payload":"hello","enqueued_at":"1"}`)
	require.NotEmpty(t, id)

	entries, err := client.XRange(ctx, cfg.Stream, id, id).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"payload":"hello","enqueued_at":"1"}`, entries[0].Values[fieldBody])
}

func TestSend_ConcurrentSenders(t *testing.T) {
	cfg := testConfig(t)
	client := redisClient(t, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, "")

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const senders, perSender = 8, 50
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	wg.Add(senders * perSender)
	for s := 0; s < senders; s++ {
		go func(s int) {
			for i := 0; i < perSender; i++ {
				err := tr.Send(ctx, fmt.Sprintf(`{"payload":"%d-%d"}`, s, i), func(_ string, err error) {
					if err != nil {
						failed.Add(1)
					}
					wg.Done()
				})
				if err != nil {
					failed.Add(1)
					wg.Done()
				}
			}
		}(s)
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	n, err := client.XLen(ctx, cfg.Stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(senders*perSender), n)
}

func TestReceive_ConsumesAllMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 4
	client := redisClient(t, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, cfg.Group)

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const numMessages = 100
	for i := 0; i < numMessages; i++ {
		sendAndWait(t, ctx, tr, fmt.Sprintf(`{"payload":{"id":%d}}`, i))
	}

	var consumed atomic.Int64
	done := make(chan struct{})
	sub, err := tr.Receive(ctx, func(d xqueue.Delivery) {
		assert.NotEmpty(t, d.Message().Body)
		_ = d.Ack(ctx)
		if consumed.Add(1) == numMessages {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumed.Load(), numMessages)
	}

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestNack_WritesDeadLetter(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter = cfg.Stream + "-dlq"
	client := redisClient(t, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, cfg.Group)
	defer cleanupStream(client, cfg.DeadLetter, "")

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := sendAndWait(t, ctx, tr, `{"payload":"poison"}`)

	nacked := make(chan struct{})
	sub, err := tr.Receive(ctx, func(d xqueue.Delivery) {
		assert.NoError(t, d.Nack(ctx, fmt.Errorf("boom")))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}

	entries, err := client.XRange(ctx, cfg.DeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Values[fieldOrigID])
	assert.Equal(t, cfg.Stream, entries[0].Values[fieldOrigQueue])
	assert.Equal(t, "boom", entries[0].Values[fieldError])
	assert.Equal(t, `{"payload":"poison"}`, entries[0].Values[fieldBody])
}

func TestClient_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client := redisClient(t, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, cfg.Group)

	q := Use(cfg)
	defer q.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receipt, err := q.Send(ctx, "hello")
	require.NoError(t, err)
	id, err := receipt.Wait(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := make(chan string, 1)
	sub, err := q.Receive(ctx, func(_ context.Context, _ string, payload string) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case p := <-got:
		assert.Equal(t, "hello", p)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestClose_FailsQueuedSends(t *testing.T) {
	cfg := testConfig(t)
	client := redisClient(t, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, "")

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	err = tr.Send(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Receive(context.Background(), func(xqueue.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func BenchmarkSend(b *testing.B) {
	cfg := testConfig(b)
	client := redisClient(b, cfg)
	defer client.Close()
	defer cleanupStream(client, cfg.Stream, "")

	tr, err := NewTransport(cfg)
	if err != nil {
		b.Fatal(err)
	}
	defer tr.Close(context.Background())

	ctx := context.Background()
	var wg sync.WaitGroup
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(1)
		if err := tr.Send(ctx, `{"payload":"bench"}`, func(string, error) { wg.Done() }); err != nil {
			wg.Done()
			b.Fatal(err)
		}
	}
	wg.Wait()
}
