package pbft

import (
	"sync"
	"time"
)

// maxChangeCycle caps the exponential back-off of consecutive
// view-change timeouts.
const maxChangeCycle = 6

// PBFTTimer drives the view-change timeout. Every consecutive fire
// doubles the wait (the change cycle); the cycle resets when the node
// makes progress.
type PBFTTimer struct {
	mu          sync.Mutex
	timer       *time.Timer
	base        func() time.Duration
	changeCycle uint
	onTimeout   func()
	stopped     bool
}

// NewPBFTTimer builds a timer over the live base timeout. onTimeout
// runs on the timer goroutine.
func NewPBFTTimer(base func() time.Duration, onTimeout func()) *PBFTTimer {
	return &PBFTTimer{
		base:      base,
		onTimeout: onTimeout,
	}
}

// Start arms the timer.
func (t *PBFTTimer) Start() {
	t.Reset()
}

// Reset rearms the timer with the current change cycle.
func (t *PBFTTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.base()<<t.changeCycle, t.fire)
}

// ResetChangeCycle clears the back-off after progress is made.
func (t *PBFTTimer) ResetChangeCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changeCycle = 0
}

// ChangeCycle returns the current back-off exponent.
func (t *PBFTTimer) ChangeCycle() uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changeCycle
}

// Stop disarms the timer permanently.
func (t *PBFTTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *PBFTTimer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.changeCycle < maxChangeCycle {
		t.changeCycle++
	}
	t.mu.Unlock()
	t.onTimeout()
	t.Reset()
}
