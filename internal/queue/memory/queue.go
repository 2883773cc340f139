// Package memory provides an in-process work queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

// Published captures one Publish call.
type Published struct {
	Message pet.WorkMessage
	Delay   time.Duration
}

type entry struct {
	seq     uint64
	msg     pet.WorkMessage
	readyAt time.Time
}

// Queue is an at-least-once transport with delayed visibility and a dead-letter list.
type Queue struct {
	mu        sync.Mutex
	seq       uint64
	ready     []entry
	inflight  map[uint64]entry
	published []Published
	dead      []pet.DeadLetter
	closed    bool

	now          func() time.Time
	batchSize    int
	pollInterval time.Duration
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock overrides time.Now for delay accounting.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithBatchSize bounds the deliveries handed to one handler call.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithPollInterval sets how often Receive checks for due messages.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		inflight:     make(map[uint64]entry),
		now:          time.Now,
		batchSize:    10,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish enqueues msg, invisible until delay has elapsed.
func (q *Queue) Publish(_ context.Context, msg pet.WorkMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	q.ready = append(q.ready, entry{seq: q.seq, msg: msg, readyAt: q.now().Add(delay)})
	q.published = append(q.published, Published{Message: msg, Delay: delay})
	return nil
}

// PublishDeadLetter appends to the dead-letter list.
func (q *Queue) PublishDeadLetter(_ context.Context, dl pet.DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.dead = append(q.dead, dl)
	return nil
}

// Poll hands at most one batch of due messages to handler and reports how many were delivered.
func (q *Queue) Poll(ctx context.Context, handler pet.BatchHandler) int {
	deliveries := q.claim()
	if len(deliveries) == 0 {
		return 0
	}
	handler(ctx, deliveries)
	return len(deliveries)
}

// Receive polls until ctx is done or the queue is closed.
func (q *Queue) Receive(ctx context.Context, handler pet.BatchHandler) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if q.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return nil
		}
		if q.Poll(ctx, handler) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops Receive and rejects further publishes.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Published returns every Publish call in order.
func (q *Queue) Published() []Published {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Published(nil), q.published...)
}

// DeadLetters returns the dead-letter list.
func (q *Queue) DeadLetters() []pet.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pet.DeadLetter(nil), q.dead...)
}

// Depth reports queued and in-flight message counts.
func (q *Queue) Depth() (queued, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) claim() []pet.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	sort.SliceStable(q.ready, func(i, j int) bool { return q.ready[i].readyAt.Before(q.ready[j].readyAt) })

	var out []pet.Delivery
	kept := q.ready[:0]
	for _, e := range q.ready {
		if len(out) < q.batchSize && !e.readyAt.After(now) {
			q.inflight[e.seq] = e
			out = append(out, &delivery{q: q, seq: e.seq, msg: e.msg})
			continue
		}
		kept = append(kept, e)
	}
	q.ready = kept
	return out
}

func (q *Queue) settle(seq uint64, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inflight[seq]
	if !ok {
		return fmt.Errorf("delivery %d already settled", seq)
	}
	delete(q.inflight, seq)
	if requeue {
		e.readyAt = q.now()
		q.ready = append(q.ready, e)
	}
	return nil
}

type delivery struct {
	q   *Queue
	seq uint64
	msg pet.WorkMessage
}

func (d *delivery) Message() pet.WorkMessage { return d.msg }

func (d *delivery) Ack(context.Context) error { return d.q.settle(d.seq, false) }

func (d *delivery) Nack(context.Context) error { return d.q.settle(d.seq, true) }
