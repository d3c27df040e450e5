package xqueue

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
	"unicode/utf8"
)

// PayloadKind tells how the payload appeared on the wire.
type PayloadKind uint8

const (
	// PayloadText is a JSON string literal.
	PayloadText PayloadKind = iota + 1
	// PayloadStructured is an embedded JSON object or array.
	PayloadStructured
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Payload is the decoded body of an envelope: either plain text or the
// compact re-serialization of an embedded JSON document.
type Payload struct {
	Kind PayloadKind
	text string
	doc  []byte
}

// TextPayload builds a text payload.
func TextPayload(s string) Payload { return Payload{Kind: PayloadText, text: s} }

// StructuredPayload builds a structured payload from canonical JSON bytes.
func StructuredPayload(doc []byte) Payload { return Payload{Kind: PayloadStructured, doc: doc} }

// String returns what the sender originally handed to Send.
func (p Payload) String() string {
	if p.Kind == PayloadStructured {
		return string(p.doc)
	}
	return p.text
}

// Raw returns the payload as a JSON value.
func (p Payload) Raw() json.RawMessage {
	if p.Kind == PayloadStructured {
		return json.RawMessage(p.doc)
	}
	b, _ := marshalNoEscape(p.text)
	return json.RawMessage(b)
}

// Envelope is a decoded wire message.
type Envelope struct {
	Payload Payload

	rawEnqueuedAt json.RawMessage
}

// EnqueuedAt parses the enqueue timestamp in Unix milliseconds. Parsing is
// deferred so a message with a bad timestamp still yields its payload.
func (e Envelope) EnqueuedAt() (int64, error) {
	raw := bytes.TrimSpace(e.rawEnqueuedAt)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, &EnvelopeParseError{Reason: "enqueued_at missing"}
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, &EnvelopeParseError{Reason: "enqueued_at malformed", Err: err}
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &EnvelopeParseError{Reason: "enqueued_at malformed", Err: err}
	}
	return ms, nil
}

// HasEnqueuedAt reports whether the envelope carried a timestamp field at all.
func (e Envelope) HasEnqueuedAt() bool { return len(e.rawEnqueuedAt) > 0 }

type wireEnvelope struct {
	Payload    string `json:"payload"`
	EnqueuedAt string `json:"enqueued_at"`
}

type wireEnvelopeIn struct {
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt json.RawMessage `json:"enqueued_at"`
}

// EncodeEnvelope wraps payload with the enqueue time in milliseconds.
// Payloads with invalid UTF-8 are rejected with ErrInvalidUTF8; JSON would
// otherwise replace the bad bytes with U+FFFD.
func EncodeEnvelope(payload string, now time.Time) ([]byte, error) {
	if !utf8.ValidString(payload) {
		return nil, ErrInvalidUTF8
	}
	return marshalNoEscape(wireEnvelope{
		Payload:    payload,
		EnqueuedAt: strconv.FormatInt(now.UnixMilli(), 10),
	})
}

// DecodeEnvelope parses a wire envelope. A payload that is a JSON object or
// array is returned as its compact form instead of being coerced to a string.
func DecodeEnvelope(wire []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(wire)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &EnvelopeParseError{Reason: "not a JSON object"}
	}

	var in wireEnvelopeIn
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Envelope{}, &EnvelopeParseError{Reason: "invalid JSON", Err: err}
	}
	if len(in.Payload) == 0 || bytes.Equal(in.Payload, []byte("null")) {
		return Envelope{}, &EnvelopeParseError{Reason: "payload missing"}
	}

	env := Envelope{rawEnqueuedAt: in.EnqueuedAt}
	switch in.Payload[0] {
	case '"':
		var s string
		if err := json.Unmarshal(in.Payload, &s); err != nil {
			return Envelope{}, &EnvelopeParseError{Reason: "payload string", Err: err}
		}
		env.Payload = TextPayload(s)
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, in.Payload); err != nil {
			return Envelope{}, &EnvelopeParseError{Reason: "payload document", Err: err}
		}
		env.Payload = StructuredPayload(buf.Bytes())
	default:
		return Envelope{}, &EnvelopeParseError{Reason: "payload must be a string, object or array"}
	}
	return env, nil
}

// marshalNoEscape is json.Marshal without HTML escaping and trailing newline.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
