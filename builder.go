package xqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ClientBuilder constructs Client instances (Builder pattern).
type ClientBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration
	onError     ErrorHandler
	poolWorkers int
	poolBuffer  int
	watchers    []latencyRegistration
}

// NewClientBuilder returns a new builder with sensible defaults.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		ackTimeout:  5 * time.Second,
		poolWorkers: 4,
		poolBuffer:  1024,
	}
}

// WithTransport selects a registered transport by name.
func (cb *ClientBuilder) WithTransport(name string, cfg map[string]any) *ClientBuilder {
	cb.transportName = name
	cb.transportCfg = cfg
	return cb
}

// WithTransportInstance accepts a ready Transport instance (e.g., a test double).
func (cb *ClientBuilder) WithTransportInstance(t Transport) *ClientBuilder {
	cb.transportInst = t
	return cb
}

func (cb *ClientBuilder) WithMiddleware(mw ...Middleware) *ClientBuilder {
	if len(mw) == 0 {
		return cb
	}
	cb.middlewares = append(cb.middlewares, mw...)
	return cb
}

func (cb *ClientBuilder) WithObserver(obs ...Observer) *ClientBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

// WithObserverPool sizes the async observer pool. workers < 1 disables
// observer notification entirely.
func (cb *ClientBuilder) WithObserverPool(workers, bufferSize int) *ClientBuilder {
	cb.poolWorkers = workers
	cb.poolBuffer = bufferSize
	return cb
}

func (cb *ClientBuilder) WithLogger(l *xlog.Logger) *ClientBuilder {
	cb.logger = l
	return cb
}

func (cb *ClientBuilder) WithClock(c xclock.Clock) *ClientBuilder {
	cb.clock = c
	return cb
}

func (cb *ClientBuilder) WithAckTimeout(d time.Duration) *ClientBuilder {
	if d > 0 {
		cb.ackTimeout = d
	}
	return cb
}

// WithErrorHandler installs the callback for per-message failures.
func (cb *ClientBuilder) WithErrorHandler(h ErrorHandler) *ClientBuilder {
	cb.onError = h
	return cb
}

// WithLatencyWatcher pre-registers a watcher; Build validates it.
func (cb *ClientBuilder) WithLatencyWatcher(threshold time.Duration, w LatencyWatcher) *ClientBuilder {
	cb.watchers = append(cb.watchers, latencyRegistration{threshold: threshold, watcher: w})
	return cb
}

func (cb *ClientBuilder) Build() (*Client, error) {
	var tr Transport
	var err error

	switch {
	case cb.transportInst != nil:
		tr = cb.transportInst
	case cb.transportName != "":
		tr, err = NewTransport(cb.transportName, cb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	clk := cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	c := &Client{
		transport:   tr,
		clock:       clk,
		logger:      lg,
		middlewares: cb.middlewares,
		ackTimeout:  cb.ackTimeout,
		onError:     cb.onError,
		latency:     NewLatencyMonitor(),
		metrics:     &clientMetrics{},
	}
	c.latency.onErr = func(r any) {
		c.metrics.errorCount.Add(1)
		c.logger.Warn().Str("panic", fmt.Sprint(r)).Msg("xqueue: latency watcher panic (recovered)")
	}

	for _, w := range cb.watchers {
		if err := c.latency.Register(w.threshold, w.watcher); err != nil {
			return nil, err
		}
	}

	if cb.poolWorkers > 0 {
		c.observerPool = NewObserverPool(cb.poolWorkers, cb.poolBuffer)
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range cb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		c.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range cb.observers {
		c.AddObserver(o)
	}

	return c, nil
}

// New constructs a Client via Builder and returns a close func for convenience.
func New(init func(b *ClientBuilder)) (*Client, func() error, error) {
	b := NewClientBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}
