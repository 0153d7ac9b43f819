package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/clock"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
	"github.com/Chichichkin/ElasticLoggingAgent/internal/metrics"
)

// Sink accumulates actions and submits them in bulk when the buffer reaches
// the batch size or when the flush period elapses after the first
// unflushed event, whichever comes first.
//
// The buffer and the pending timer share mu. submitMu serializes whole
// flushes so batches reach the client in the order they were detached;
// network I/O never happens under mu.
//
// The submission call gets no deadline from the sink. A hung store blocks
// the current flush for as long as the client's own transport timeout
// allows.
type Sink struct {
	client      logging.Client
	index       string
	location    *time.Location
	batchSize   int
	flushPeriod time.Duration
	clock       clock.Clock
	onError     logging.ErrorHandler
	metrics     *metrics.Metrics

	mu     sync.Mutex
	buffer []logging.Action
	timer  clock.Timer
	closed bool

	submitMu sync.Mutex
}

type Option func(*Sink)

func WithClock(c clock.Clock) Option {
	return func(s *Sink) { s.clock = c }
}

func WithErrorHandler(h logging.ErrorHandler) Option {
	return func(s *Sink) { s.onError = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

func NewSink(client logging.Client, config logging.Config, opts ...Option) (*Sink, error) {
	config = config.WithDefaults()

	location, err := config.Location()
	if err != nil {
		return nil, err
	}

	s := &Sink{
		client:      client,
		index:       config.Index,
		location:    location,
		batchSize:   config.BatchSize,
		flushPeriod: config.FlushPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.onError == nil {
		s.onError = logging.DefaultErrorHandler()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	s.buffer = make([]logging.Action, 0, s.batchSize)
	return s, nil
}

// Emit converts event to an action and buffers it. A full buffer is
// flushed synchronously; otherwise a flush is scheduled if none is pending.
func (s *Sink) Emit(event logging.LogEvent) {
	action, err := NewAction(event, s.index, s.location)
	if err != nil {
		s.metrics.CaptureErrors.Inc()
		s.onError(&logging.CaptureError{Err: err})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.EventsDropped.Inc()
		return
	}
	s.buffer = append(s.buffer, action)
	full := len(s.buffer) >= s.batchSize
	if !full {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	if full {
		s.Flush()
	}
}

// Flush cancels the pending timer, detaches the buffer and submits it.
// Safe to call from any goroutine; each detached batch is submitted once.
func (s *Sink) Flush() {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	s.stopTimerLocked()
	batch := s.buffer
	s.buffer = make([]logging.Action, 0, s.batchSize)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	s.submit(batch)
}

// Close rejects further events, flushes what is buffered and leaves no
// timer scheduled. Calling it again is a no-op flush.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Flush()
}

// Buffered returns the number of actions waiting for the next flush.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Sink) scheduleLocked() {
	if s.timer != nil || s.closed {
		return
	}
	s.timer = s.clock.AfterFunc(s.flushPeriod, s.Flush)
}

func (s *Sink) stopTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
}

func (s *Sink) submit(batch []logging.Action) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(batch, fmt.Errorf("client panicked: %v", r))
		}
	}()

	s.metrics.BatchesSubmitted.Inc()
	started := time.Now()
	result, err := s.client.Submit(context.Background(), batch)
	s.metrics.FlushDurationSec.Observe(time.Since(started).Seconds())

	if err != nil {
		s.fail(batch, err)
		return
	}

	s.metrics.DocumentsSubmitted.Add(float64(result.Succeeded))
	if result.Failed > 0 {
		s.metrics.BatchesFailed.Inc()
		s.metrics.DocumentsFailed.Add(float64(result.Failed))
		s.onError(&logging.SubmissionError{
			Documents: len(batch),
			Failed:    result.Failed,
			Reasons:   result.Errors,
		})
	}
}

func (s *Sink) fail(batch []logging.Action, err error) {
	s.metrics.BatchesFailed.Inc()
	s.metrics.DocumentsFailed.Add(float64(len(batch)))
	s.onError(&logging.SubmissionError{Documents: len(batch), Failed: len(batch), Err: err})
}
