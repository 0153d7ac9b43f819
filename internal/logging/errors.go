package logging

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrNoDestination = errors.New("no destination configured")

// ErrorHandler receives every failure the pipeline swallows.
type ErrorHandler func(err error)

type ConnectivityError struct {
	Destination string
	Err         error
}

func (e *ConnectivityError) Error() string {
	if e.Destination == "" {
		return fmt.Sprintf("store unavailable: %v", e.Err)
	}
	return fmt.Sprintf("store %s unavailable: %v", e.Destination, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("dropping log event: %v", e.Err) }

func (e *CaptureError) Unwrap() error { return e.Err }

// SubmissionError reports a lost batch. Err is nil for a partial failure
// where the store accepted the request but rejected some documents.
type SubmissionError struct {
	Documents int
	Failed    int
	Reasons   []string
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bulk submission of %d documents failed: %v", e.Documents, e.Err)
	}
	msg := fmt.Sprintf("bulk submission rejected %d of %d documents", e.Failed, e.Documents)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Reporter writes swallowed errors to a log.Logger, letting through at most
// burst reports per interval.
type Reporter struct {
	logger     *log.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func NewReporter(logger *log.Logger, every time.Duration, burst int) *Reporter {
	if logger == nil {
		logger = log.New(os.Stderr, "eslog: ", log.LstdFlags)
	}
	return &Reporter{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// DefaultErrorHandler reports to stderr, ten reports per second at most.
func DefaultErrorHandler() ErrorHandler {
	return NewReporter(nil, 100*time.Millisecond, 10).Report
}

func (r *Reporter) Report(err error) {
	if err == nil {
		return
	}
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	if n := r.suppressed.Swap(0); n > 0 {
		r.logger.Printf("%v (%d similar reports suppressed)", err, n)
		return
	}
	r.logger.Printf("%v", err)
}
