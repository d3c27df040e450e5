package xqueue

import (
	"github.com/trickstertwo/xlog"
)

// Observer receives client lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits Events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case Error, Nack:
		ev.Warn().Err(e.Err).Msg("xqueue event")
	case LatencyExceeded:
		ev.Info().Dur("residence", e.Residence).Msg("xqueue event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		if e.ResidenceKnown {
			ev = ev.With(xlog.Dur("residence", e.Residence))
		}
		ev.Debug().Msg("xqueue event")
	}
}
