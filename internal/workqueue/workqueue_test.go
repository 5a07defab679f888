package workqueue

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRunsOnce(t *testing.T) {
	q := New("test")
	defer q.Close()

	block := make(chan struct{})
	var runs atomic.Int32
	gate := NewWork(func() { <-block })
	w := NewWork(func() { runs.Add(1) })

	q.Schedule(gate)
	if !q.Schedule(w) {
		t.Fatal("first Schedule should queue")
	}
	if q.Schedule(w) {
		t.Error("Schedule of pending work should report false")
	}
	close(block)
	q.Flush()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestRescheduleWhileRunning(t *testing.T) {
	q := New("test")
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	w := NewWork(func() {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
	})

	q.Schedule(w)
	<-started
	if !q.Schedule(w) {
		t.Fatal("running work must be reschedulable")
	}
	close(release)
	q.Flush()

	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestCancelPending(t *testing.T) {
	q := New("test")
	defer q.Close()

	block := make(chan struct{})
	gate := NewWork(func() { <-block })
	var ran atomic.Bool
	w := NewWork(func() { ran.Store(true) })

	q.Schedule(gate)
	q.Schedule(w)
	if !q.Cancel(w) {
		t.Error("Cancel should report pending work removed")
	}
	if q.Pending(w) {
		t.Error("work still pending after Cancel")
	}
	close(block)
	q.Flush()

	if ran.Load() {
		t.Error("cancelled work ran")
	}
}

func TestCancelWaitsForRunning(t *testing.T) {
	q := New("test")
	defer q.Close()

	started := make(chan struct{})
	var finished atomic.Bool
	w := NewWork(func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	q.Schedule(w)
	<-started
	q.Cancel(w)
	if !finished.Load() {
		t.Error("Cancel returned while the callback was still running")
	}
}

func TestCloseDiscardsPending(t *testing.T) {
	q := New("test")

	block := make(chan struct{})
	gate := NewWork(func() { <-block })
	var ran atomic.Bool
	w := NewWork(func() { ran.Store(true) })

	q.Schedule(gate)
	q.Schedule(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	q.Close()
	q.Close()

	if ran.Load() {
		t.Error("pending work ran after Close")
	}
	if q.Schedule(w) {
		t.Error("Schedule on a closed queue should fail")
	}
}
