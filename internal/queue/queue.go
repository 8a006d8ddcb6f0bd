package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alisitki/quantlab/logger"
	"github.com/alisitki/quantlab/models"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100000

// ErrClosed is returned by Put after Close, and by Get once the queue is
// closed and drained.
var ErrClosed = errors.New("event queue closed")

type Stats struct {
	Enqueued int64
	Dequeued int64
	// Blocked counts Put calls that found the queue full and had to wait.
	Blocked int64
}

// Queue is a fixed-capacity FIFO hand-off between the readers and the
// writer. A full queue blocks producers; events are never dropped to make
// room.
type Queue struct {
	items chan models.Event

	closeOnce sync.Once
	closed    chan struct{}

	enqueued atomic.Int64
	dequeued atomic.Int64
	blocked  atomic.Int64

	fullLog *rate.Limiter
	log     *logger.Log
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	log := logger.GetLogger()
	q := &Queue{
		items:   make(chan models.Event, capacity),
		closed:  make(chan struct{}),
		fullLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		log:     log,
	}

	log.WithComponent("event_queue").WithFields(logger.Fields{
		"capacity": capacity,
	}).Info("event queue initialized")

	return q
}

// Put enqueues ev, waiting for space while the queue is full. It returns
// ctx.Err() if the context ends first, or ErrClosed after Close.
func (q *Queue) Put(ctx context.Context, ev models.Event) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.items <- ev:
		q.enqueued.Add(1)
		return nil
	default:
	}

	q.blocked.Add(1)
	if q.fullLog.Allow() {
		q.log.WithComponent("event_queue").WithFields(logger.Fields{
			"capacity": cap(q.items),
			"blocked":  q.blocked.Load(),
		}).Warn("event queue full, producer waiting for consumer")
	}

	select {
	case q.items <- ev:
		q.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

// Get removes and returns the oldest event. After Close it keeps returning
// buffered events until the queue is empty, then ErrClosed.
func (q *Queue) Get(ctx context.Context) (models.Event, error) {
	select {
	case ev := <-q.items:
		q.dequeued.Add(1)
		return ev, nil
	default:
	}

	select {
	case ev := <-q.items:
		q.dequeued.Add(1)
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		select {
		case ev := <-q.items:
			q.dequeued.Add(1)
			return ev, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Close stops accepting new events. Blocked producers return ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.log.WithComponent("event_queue").WithFields(logger.Fields{
			"remaining": len(q.items),
		}).Info("event queue closed")
	})
}

// Len reports the number of buffered events.
func (q *Queue) Len() int { return len(q.items) }

// Cap reports the fixed capacity.
func (q *Queue) Cap() int { return cap(q.items) }

func (q *Queue) GetStats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Blocked:  q.blocked.Load(),
	}
}
