package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
)

var (
	ErrFull   = errors.New("record queue full")
	ErrClosed = errors.New("record queue closed")
)

// Queue is a bounded FIFO with many producers and a single consumer.
//
// When the queue is full, Put follows the overflow policy: OverflowBlock
// waits for room or for ctx, OverflowDrop and OverflowFail both return
// ErrFull immediately. The two non-blocking policies differ only in how the
// caller surfaces the loss.
type Queue[T any] struct {
	items  chan T
	policy logging.OverflowPolicy

	mu     sync.RWMutex
	closed bool
}

func New[T any](size int, policy logging.OverflowPolicy) *Queue[T] {
	if size <= 0 {
		size = logging.DefaultQueueSize
	}
	if policy == "" {
		policy = logging.OverflowDrop
	}
	return &Queue[T]{
		items:  make(chan T, size),
		policy: policy,
	}
}

func (q *Queue[T]) Policy() logging.OverflowPolicy { return q.policy }

func (q *Queue[T]) Put(ctx context.Context, item T) error {
	// The read lock keeps Close from closing the channel under a sender.
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	if q.policy != logging.OverflowBlock {
		select {
		case q.items <- item:
			return nil
		default:
			return ErrFull
		}
	}

	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until an item is available. It returns false once the queue
// is closed and drained.
func (q *Queue[T]) Get() (T, bool) {
	item, ok := <-q.items
	return item, ok
}

// Close stops accepting items. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

func (q *Queue[T]) Len() int { return len(q.items) }

func (q *Queue[T]) Cap() int { return cap(q.items) }
