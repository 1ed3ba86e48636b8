package store

import "time"

// Task is a cancellable unit of scheduled background work. Stopping a task
// that already fired is a no-op.
type Task interface {
	Stop()
}

// Scheduler abstracts the timer primitives used for debounced saves and
// periodic sweeps, so the backends can be tested without wall-clock waits.
type Scheduler interface {
	// After runs f once after d elapses.
	After(d time.Duration, f func()) Task
	// Every runs f repeatedly with period d until the task is stopped.
	Every(d time.Duration, f func()) Task
}

type systemScheduler struct{}

// NewSystemScheduler returns a Scheduler backed by the runtime timers.
func NewSystemScheduler() Scheduler {
	return systemScheduler{}
}

func (systemScheduler) After(d time.Duration, f func()) Task {
	return &timerTask{timer: time.AfterFunc(d, f)}
}

func (systemScheduler) Every(d time.Duration, f func()) Task {
	t := &tickerTask{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				f()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type timerTask struct {
	timer *time.Timer
}

func (t *timerTask) Stop() {
	t.timer.Stop()
}

type tickerTask struct {
	ticker *time.Ticker
	done   chan struct{}
}

func (t *tickerTask) Stop() {
	t.ticker.Stop()
	close(t.done)
}
