package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xqueue"
)

// delivery implements xqueue.Delivery for one stream entry.
type delivery struct {
	t   *transport
	id  string
	msg *xqueue.Message

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

func (d *delivery) Message() *xqueue.Message {
	return d.msg
}

// Ack acknowledges the entry in the consumer group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.t.cfg.Stream, d.t.cfg.Group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.t.cfg.Stream, d.id).Err()
	}
	return nil
}

// Nack moves the entry to the dead-letter stream when one is configured and
// acks the original. Without a dead-letter stream the entry stays pending and
// is redelivered by the claim loop once it has been idle for ClaimMinIdle.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)

		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}

		cause := ""
		if reason != nil {
			cause = reason.Error()
		}
		err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: map[string]any{
				fieldOrigQueue: d.t.cfg.Stream,
				fieldOrigID:    d.id,
				fieldError:     cause,
				fieldBody:      d.msg.Body,
			},
		}).Err()
		if err != nil {
			err = fmt.Errorf("redis-streams: dead-letter %s: %w", d.id, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

// decodeEntry turns stream entry values into a Message. The entry ID's
// millisecond part becomes the sent_timestamp attribute.
func decodeEntry(stream, id string, vals map[string]any) *xqueue.Message {
	msg := &xqueue.Message{
		ID:         id,
		ReceivedAt: time.Now(),
		Attributes: map[string]string{"stream": stream},
	}

	if v, ok := vals[fieldBody]; ok {
		msg.Body = asString(v)
	}
	if ms, ok := entryMillis(id); ok {
		msg.Attributes["sent_timestamp"] = strconv.FormatInt(ms, 10)
	}
	for k, v := range vals {
		if k == fieldBody {
			continue
		}
		msg.Attributes[k] = asString(v)
	}

	return msg
}

// entryMillis extracts the millisecond timestamp of a "<ms>-<seq>" entry ID.
func entryMillis(id string) (int64, bool) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
