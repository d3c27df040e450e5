package xqueue

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	SendStart       EventType = "send_start"
	SendDone        EventType = "send_done"
	ReceiveStart    EventType = "receive_start"
	ReceiveDone     EventType = "receive_done"
	Ack             EventType = "ack"
	Nack            EventType = "nack"
	LatencyExceeded EventType = "latency_exceeded"
	Error           EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	MessageID string
	// Duration is the time spent in the transport call or the handler.
	Duration time.Duration
	// Residence is how long the message sat in the queue; valid only when
	// ResidenceKnown is set, since a fast message can have zero residence.
	Residence      time.Duration
	ResidenceKnown bool
	// Size is the payload size in bytes for send events.
	Size int
	Err  error
}
