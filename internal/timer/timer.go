// Package timer provides the Timer Port (C6): a delayed one-shot
// callback primitive the RFSC uses to debounce batch uploads.
package timer

import (
	"sync"
	"time"
)

// Port schedules a single callback to run once, after a delay. A second
// Schedule call before the first fires replaces it. The Port does not
// report whether it is armed; the RFSC keeps its own armed flag and calls
// Schedule only while that flag is clear.
type Port interface {
	// Schedule arms the timer to call fn once after delay elapses.
	Schedule(delay time.Duration, fn func())

	// Stop cancels a pending callback, if any. It returns true if a
	// pending callback was canceled before it fired.
	Stop() bool
}

// RealPort is the production Timer Port, backed by time.AfterFunc.
type RealPort struct {
	mu    sync.Mutex
	timer *time.Timer
}

// New returns a RealPort with nothing scheduled.
func New() *RealPort {
	return &RealPort{}
}

// Schedule arms the timer. Any previously scheduled callback is stopped
// first.
func (p *RealPort) Schedule(delay time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(delay, fn)
}

// Stop cancels the pending callback, if any.
func (p *RealPort) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer == nil {
		return false
	}
	stopped := p.timer.Stop()
	p.timer = nil
	return stopped
}
