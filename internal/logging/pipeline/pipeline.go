// Package pipeline ships log events to Elasticsearch without blocking the
// goroutines that produce them.
//
// Producers go through Emit (or the slog.Handler returned by Handler) and
// only ever touch the bounded record queue. A single consumer goroutine
// drains the queue into a batch.Sink, which submits documents in bulk.
// Nothing in the pipeline returns an error or panics into its callers;
// failures go to the configured logging.ErrorHandler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/clock"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging/batch"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging/elastic"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging/queue"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/metrics"
)

type State int32

const (
	// Disabled pipelines were never able to reach the store. Emit is a no-op.
	Disabled State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Pipeline struct {
	state atomic.Int32
	err   error

	client  logging.Client
	queue   *queue.Queue[logging.LogEvent]
	sink    *batch.Sink
	onError logging.ErrorHandler
	metrics *metrics.Metrics
	level   slog.Leveler

	consumerDone    chan struct{}
	closeOnce       sync.Once
	unregisterDepth func()
}

type options struct {
	client     logging.Client
	clock      clock.Clock
	onError    logging.ErrorHandler
	metrics    *metrics.Metrics
	registerer prometheus.Registerer
	level      slog.Leveler
}

type Option func(*options)

// WithClient replaces the Elasticsearch client built from the destination.
func WithClient(c logging.Client) Option {
	return func(o *options) { o.client = c }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithErrorHandler(h logging.ErrorHandler) Option {
	return func(o *options) { o.onError = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegisterer registers the pipeline collectors and queue depth gauge.
// Pipelines sharing a registerer share counters; the depth gauge follows
// the pipeline that registered it until that one is closed.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithLevel sets the minimum level accepted by Handler. By default every
// level is accepted.
func WithLevel(l slog.Leveler) Option {
	return func(o *options) { o.level = l }
}

// New probes the destination once and starts the consumer if it answers.
// An unreachable or missing destination does not fail construction: the
// pipeline comes back Disabled and Err reports why. Only an invalid config
// returns an error.
func New(ctx context.Context, config logging.Config, opts ...Option) (*Pipeline, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.onError == nil {
		o.onError = logging.DefaultErrorHandler()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	p := &Pipeline{
		onError: o.onError,
		level:   o.level,
	}
	p.state.Store(int32(Disabled))

	if config.Destination == "" {
		p.err = &logging.ConnectivityError{Err: logging.ErrNoDestination}
		return p, nil
	}
	destination := redact(config.Destination)

	client := o.client
	if client == nil {
		c, err := elastic.NewClient(elastic.Options{
			URL:      config.Destination,
			APIKey:   config.APIKey,
			Compress: config.Compress,
			Timeout:  config.RequestTimeout,
		})
		if err != nil {
			p.err = &logging.ConnectivityError{Destination: destination, Err: err}
			return p, nil
		}
		client = c
	}

	probeCtx, cancel := context.WithTimeout(ctx, config.ProbeTimeout)
	defer cancel()
	if err := client.Probe(probeCtx); err != nil {
		_ = client.Close()
		p.err = &logging.ConnectivityError{Destination: destination, Err: err}
		return p, nil
	}

	p.metrics = o.metrics
	if p.metrics == nil {
		p.metrics = metrics.New(o.registerer)
	}

	sink, err := batch.NewSink(client, config,
		batch.WithClock(o.clock),
		batch.WithErrorHandler(o.onError),
		batch.WithMetrics(p.metrics),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	p.client = client
	p.sink = sink
	p.queue = queue.New[logging.LogEvent](config.QueueSize, config.Overflow)
	p.consumerDone = make(chan struct{})
	p.unregisterDepth = metrics.RegisterQueueDepth(o.registerer, p.queue.Len)

	p.state.Store(int32(Active))
	go p.consume()

	return p, nil
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Err returns the reason the pipeline is Disabled, or nil.
func (p *Pipeline) Err() error { return p.err }

// Emit queues event for the consumer. It returns immediately unless the
// queue is full under OverflowBlock, in which case it waits for room or ctx.
func (p *Pipeline) Emit(ctx context.Context, event logging.LogEvent) {
	if p.State() != Active {
		return
	}

	err := p.queue.Put(ctx, event)
	switch {
	case err == nil:
		p.metrics.EventsEnqueued.Inc()
	case errors.Is(err, queue.ErrClosed):
		p.metrics.EventsDropped.Inc()
	case errors.Is(err, queue.ErrFull) && p.queue.Policy() == logging.OverflowDrop:
		p.metrics.EventsDropped.Inc()
	default:
		p.metrics.EventsDropped.Inc()
		p.onError(&logging.CaptureError{Err: fmt.Errorf("failed to enqueue log event: %w", err)})
	}
}

// Flush submits whatever the sink has buffered. Events still in the queue
// are not included.
func (p *Pipeline) Flush() {
	if p.State() != Active {
		return
	}
	p.sink.Flush()
}

// Close drains the queue, flushes the sink and closes the client. Later
// calls do nothing and return nil.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if !p.state.CompareAndSwap(int32(Active), int32(Closed)) {
			return
		}
		p.queue.Close()
		<-p.consumerDone
		p.sink.Close()
		p.unregisterDepth()
		if cerr := p.client.Close(); cerr != nil {
			err = fmt.Errorf("failed to close client: %w", cerr)
		}
	})
	return err
}

func (p *Pipeline) consume() {
	defer close(p.consumerDone)
	for {
		event, ok := p.queue.Get()
		if !ok {
			return
		}
		p.emitToSink(event)
	}
}

func (p *Pipeline) emitToSink(event logging.LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.CaptureErrors.Inc()
			p.onError(&logging.CaptureError{Err: fmt.Errorf("panic while preparing event: %v", r)})
		}
	}()
	p.sink.Emit(event)
}

func redact(destination string) string {
	u, err := url.Parse(destination)
	if err != nil {
		return "invalid destination"
	}
	return u.Redacted()
}
