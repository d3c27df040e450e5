package xqueue

const (
	// MaxMessageBytes is the transport's hard ceiling for one message body.
	MaxMessageBytes = 262144
	// EnvelopeReserveBytes is held back for the envelope wrapper and a
	// 13-digit millisecond timestamp. It is a rough upper bound.
	EnvelopeReserveBytes = 31
	// MaxPayloadBytes is the largest payload Send accepts.
	MaxPayloadBytes = MaxMessageBytes - EnvelopeReserveBytes
)

// CheckSize fails with *MessageTooLargeError when payload exceeds MaxPayloadBytes.
func CheckSize(payload string) error {
	if n := len(payload); n > MaxPayloadBytes {
		return &MessageTooLargeError{Size: n, Limit: MaxPayloadBytes}
	}
	return nil
}
