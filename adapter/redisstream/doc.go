// Package redisstream provides a Redis Streams transport for xqueue.
//
// Transport name: "redis-streams"
//
// Each queue is one stream. Send appends the wire envelope with XADD and the
// stream entry ID becomes the message ID; sends are pipelined by a small pool
// of sender goroutines that also report completion. Receive reads through a
// consumer group with XREADGROUP and hands entries to a worker pool.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream: stream name (default "xqueue")
// - group: consumer group name (default "xqueue")
// - consumer: consumer name (default "xqueue-<host>-<pid>")
// - concurrency: number of receive workers (default 8)
// - send_workers: number of pipelining sender goroutines (default 2)
// - batch_size: XREADGROUP COUNT and max pipeline size (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream name to write failed messages (optional)
//
// Example builder usage:
//
//	client, _ := xqueue.NewClientBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "stream":      "payments",
//	        "group":       "payments-workers",
//	        "concurrency": 16,
//	        "dead_letter": "payments-dlq",
//	    }).
//	    Build()
package redisstream
