// Package workqueue runs deferred callbacks on one dedicated goroutine.
//
// A Work is queued at most once at a time. Its pending mark is cleared when it
// starts running, so a Work may be rescheduled from inside its own callback or
// while it runs, and will then run again afterwards.
package workqueue

import (
	"sync"
)

// Work is a schedulable callback
type Work struct {
	fn      func()
	pending bool
}

// NewWork wraps fn
func NewWork(fn func()) *Work {
	return &Work{fn: fn}
}

// Queue is a single-worker FIFO of Work
type Queue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	items   []*Work
	running *Work
	closed  bool

	done chan struct{}
}

// New starts a queue and its worker goroutine
func New(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Schedule queues w unless it is already pending or the queue is closed.
// It never blocks.
func (q *Queue) Schedule(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || w.pending {
		return false
	}
	w.pending = true
	q.items = append(q.items, w)
	q.cond.Broadcast()
	return true
}

// Cancel removes w if pending and waits for a running instance to return.
// Must not be called from w's own callback.
func (q *Queue) Cancel(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	if w.pending {
		for i, it := range q.items {
			if it == w {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
		w.pending = false
		removed = true
	}
	for q.running == w {
		q.cond.Wait()
	}
	return removed
}

// Pending reports whether w is queued and not yet started
func (q *Queue) Pending(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return w.pending
}

// Flush waits until everything queued before and during the call has run
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.items) > 0 || q.running != nil) && !q.closed {
		q.cond.Wait()
	}
}

// Close discards pending work, waits for the running callback and stops the
// worker. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, w := range q.items {
			w.pending = false
		}
		q.items = nil
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	q.mu.Lock()
	for {
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		w := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		w.pending = false
		q.running = w
		q.mu.Unlock()

		w.fn()

		q.mu.Lock()
		q.running = nil
		q.cond.Broadcast()
	}
}
