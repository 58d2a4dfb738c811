// Package memory provides a process-local dispatch queue for tests and single-node runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
)

var (
	ErrClosed         = errors.New("queue closed")
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Queue is a FIFO channel queue with exclusive claims and delayed redelivery
type Queue struct {
	items    chan *domain.WorkItem
	done     chan struct{}
	once     sync.Once
	inflight atomic.Int64
	pending  sync.WaitGroup
}

// New creates a queue holding up to capacity undelivered items
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		items: make(chan *domain.WorkItem, capacity),
		done:  make(chan struct{}),
	}
}

var _ port.QueueService = (*Queue)(nil)

func (q *Queue) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	c := *item
	select {
	case q.items <- &c:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Claim(ctx context.Context) (port.Delivery, error) {
	select {
	case item := <-q.items:
		q.inflight.Add(1)
		return &delivery{q: q, item: item}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of items waiting to be claimed
func (q *Queue) Len() int {
	return len(q.items)
}

// Inflight returns the number of claimed, unsettled items
func (q *Queue) Inflight() int {
	return int(q.inflight.Load())
}

// Drain waits for scheduled redeliveries to land
func (q *Queue) Drain() {
	q.pending.Wait()
}

func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

type delivery struct {
	q       *Queue
	item    *domain.WorkItem
	settled atomic.Bool
}

func (d *delivery) Item() *domain.WorkItem {
	return d.item
}

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.q.inflight.Add(-1)
	return nil
}

func (d *delivery) Retry(delay time.Duration) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	next := *d.item
	next.Attempt++
	d.q.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer d.q.pending.Done()
		// redelivery is dropped once the queue is closed
		_ = d.q.Enqueue(context.Background(), &next)
	})
	d.q.inflight.Add(-1)
	return nil
}
