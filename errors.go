package xqueue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClientClosed                = errors.New("xqueue: client is closed")
	ErrNoTransportConfigured       = errors.New("xqueue: no transport configured")
	ErrNilHandler                  = errors.New("xqueue: receive handler must not be nil")
	ErrNilWatcher                  = errors.New("xqueue: latency watcher must not be nil")
	ErrInvalidThreshold            = errors.New("xqueue: latency threshold must not be negative")
	ErrHandlerPanic                = errors.New("xqueue: handler panic")
	ErrInvalidUTF8                 = errors.New("xqueue: payload is not valid UTF-8")
	ErrObserverPoolShutdownTimeout = errors.New("xqueue: observer pool shutdown timed out")
)

type ErrUnknownTransport struct {
	name  string
	known []string
}

func (e ErrUnknownTransport) Error() string {
	if len(e.known) == 0 {
		return fmt.Sprintf("unknown transport %q (none registered; import an adapter package)", e.name)
	}
	return fmt.Sprintf("unknown transport %q (registered: %s)", e.name, strings.Join(e.known, ", "))
}

// MessageTooLargeError is returned by Send before the transport is touched.
type MessageTooLargeError struct {
	Size  int
	Limit int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("xqueue: message is %d bytes, limit is %d", e.Size, e.Limit)
}

// TransportError wraps a failure reported by the underlying queue transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("xqueue: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EnvelopeParseError scopes a decoding failure to a single wire message.
type EnvelopeParseError struct {
	Reason string
	Err    error
}

func (e *EnvelopeParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xqueue: envelope: %s: %v", e.Reason, e.Err)
	}
	return "xqueue: envelope: " + e.Reason
}

func (e *EnvelopeParseError) Unwrap() error { return e.Err }
