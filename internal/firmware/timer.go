// Package firmware models the board main loops. Periodic timers only raise a
// "period elapsed" flag; the main loop's Update call does the actual work,
// so timer latency never depends on the computation.
package firmware

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a periodic tick source. Its tick handler only sets a flag that
// exactly one consumer reads and clears through TakeElapsed.
type Timer struct {
	mu     sync.Mutex
	quit   chan struct{}
	wg     sync.WaitGroup
	period time.Duration

	paused  atomic.Bool
	elapsed atomic.Bool
}

func NewTimer() *Timer { return &Timer{} }

// Start (re)starts the timer with the given period.
func (t *Timer) Start(period time.Duration) {
	t.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.period = period
	t.paused.Store(false)
	t.elapsed.Store(false)
	t.quit = make(chan struct{})

	ticker := time.NewTicker(period)
	quit := t.quit
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				t.Fire()
			}
		}
	}()
}

// Stop halts the timer. It is safe to call on a stopped timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	quit := t.quit
	t.quit = nil
	t.mu.Unlock()

	if quit != nil {
		close(quit)
		t.wg.Wait()
	}
	t.elapsed.Store(false)
}

func (t *Timer) Pause()  { t.paused.Store(true) }
func (t *Timer) Resume() { t.paused.Store(false) }

// Fire is the tick handler. It is exported so tests and simulations can
// drive a board without a real clock.
func (t *Timer) Fire() {
	if !t.paused.Load() {
		t.elapsed.Store(true)
	}
}

// TakeElapsed reports whether a period elapsed since the last call and
// clears the flag.
func (t *Timer) TakeElapsed() bool {
	return t.elapsed.Swap(false)
}

// Period returns the period of the last Start.
func (t *Timer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}
