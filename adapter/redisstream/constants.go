package redisstream

import "time"

// Stream entry fields.
const (
	fieldBody      = "body" // wire envelope text
	fieldOrigID    = "orig_id"
	fieldOrigQueue = "orig_stream"
	fieldError     = "error"
)

const (
	pingTimeout    = 2 * time.Second
	minPollBackoff = 100 * time.Millisecond
	maxPollBackoff = 5 * time.Second
)
