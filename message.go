package xqueue

import (
	"time"
)

// Message is a raw transport message. Body holds the wire envelope text.
type Message struct {
	// ID is the transport-assigned message identifier.
	ID string
	// Body is the wire envelope as delivered by the transport.
	Body string
	// ReceivedAt is when the transport handed the message over (zero if unknown).
	ReceivedAt time.Time
	// Attributes is a bag for transport-specific headers.
	Attributes map[string]string
}
