// Package metrics exports xqueue client events to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xqueue"
)

const (
	Namespace = "xqueue"

	StatusSuccess = "success"
	StatusError   = "error"

	// Error kinds
	ErrKindTooLarge    = "too_large"
	ErrKindInvalidUTF8 = "invalid_utf8"
	ErrKindParse       = "envelope_parse"
	ErrKindTransport   = "transport"
	ErrKindHandler     = "handler"
	ErrKindOther       = "other"
)

// Metrics is an xqueue.Observer that records client events.
type Metrics struct {
	events          *prometheus.CounterVec   // by type
	sends           *prometheus.CounterVec   // by status
	errors          *prometheus.CounterVec   // by kind
	sendDuration    prometheus.Histogram     // transport round trip
	handlerDuration *prometheus.HistogramVec // by status
	residence       prometheus.Histogram     // time spent in the queue
	payloadBytes    prometheus.Histogram
}

var _ xqueue.Observer = (*Metrics)(nil)

// New creates a Metrics instance and registers all collectors with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Client lifecycle events by type",
		}, []string{"type"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sends_total",
			Help:      "Completed sends by status",
		}, []string{"status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		}, []string{"kind"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from Send until the transport confirmed the enqueue",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "handler_duration_seconds",
			Help:      "Receive handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		residence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "residence_seconds",
			Help:      "Time between enqueue and receipt, when latency watchers are registered",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "payload_bytes",
			Help:      "Payload size of sent messages",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}

	err := errors.Join(
		reg.Register(m.events),
		reg.Register(m.sends),
		reg.Register(m.errors),
		reg.Register(m.sendDuration),
		reg.Register(m.handlerDuration),
		reg.Register(m.residence),
		reg.Register(m.payloadBytes),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OnEvent implements xqueue.Observer.
func (m *Metrics) OnEvent(e xqueue.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case xqueue.SendDone:
		if e.Err != nil {
			m.sends.WithLabelValues(StatusError).Inc()
			m.errors.WithLabelValues(ErrorKind(e.Err)).Inc()
			return
		}
		m.sends.WithLabelValues(StatusSuccess).Inc()
		m.sendDuration.Observe(e.Duration.Seconds())
		m.payloadBytes.Observe(float64(e.Size))
	case xqueue.ReceiveDone:
		status := StatusSuccess
		if e.Err != nil {
			status = StatusError
		}
		if e.Duration > 0 {
			m.handlerDuration.WithLabelValues(status).Observe(e.Duration.Seconds())
		}
		if e.ResidenceKnown {
			m.residence.Observe(max(e.Residence, 0).Seconds())
		}
	case xqueue.Error:
		m.errors.WithLabelValues(ErrorKind(e.Err)).Inc()
	}
}

// ErrorKind maps an error to the kind label used by errors_total.
func ErrorKind(err error) string {
	var (
		tooLarge *xqueue.MessageTooLargeError
		parse    *xqueue.EnvelopeParseError
		tr       *xqueue.TransportError
	)
	switch {
	case errors.As(err, &tooLarge):
		return ErrKindTooLarge
	case errors.Is(err, xqueue.ErrInvalidUTF8):
		return ErrKindInvalidUTF8
	case errors.As(err, &parse):
		return ErrKindParse
	case errors.As(err, &tr):
		return ErrKindTransport
	case errors.Is(err, xqueue.ErrHandlerPanic):
		return ErrKindHandler
	default:
		return ErrKindOther
	}
}
