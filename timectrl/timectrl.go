// Package timectrl drives the subframe (TTI) clock that paces the
// schedulers.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// TTIPeriod is the LTE subframe duration.
const TTIPeriod = time.Millisecond

// TTIWrap is the number of TTIs in a hyperframe; TTI counters wrap here.
const TTIWrap = 10240

// Clock gives read access to the current TTI.
type Clock interface {
	// Now returns the time of the current TTI.
	Now() time.Time
	// TTI returns the current TTI counter.
	TTI() uint32
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime paces ticks with wall-clock time.
	RealTime Mode = iota
	// Accelerated steps as fast as the listeners allow.
	Accelerated
)

// Listener is invoked once per TTI, in registration order.
type Listener func(tti uint32, now time.Time)

// TimeController advances the TTI counter and notifies listeners. It
// implements Clock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	tti         uint32

	listeners []Listener
}

// NewTimeController constructs a controller at TTI 0. A non-positive tick
// defaults to TTIPeriod.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = TTIPeriod
	}
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the time of the current TTI.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// TTI returns the current TTI counter.
func (tc *TimeController) TTI() uint32 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.tti
}

// SetTime moves the clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances one TTI and runs the listeners synchronously.
func (tc *TimeController) Step() uint32 {
	tc.mu.Lock()
	tc.tti = (tc.tti + 1) % TTIWrap
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tti, now := tc.tti, tc.currentTime
	listeners := tc.listeners
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(tti, now)
	}
	return tti
}

// Start runs the controller in a separate goroutine until duration has
// elapsed in controller time (forever when zero) or ctx is done. The
// returned channel is closed when it stops.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tc.Tick {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}
			tc.Step()
		}
	}()
	return done
}
