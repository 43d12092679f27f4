// Package receive polls queues and fans their deliveries into one bounded
// channel per subscription group.
package receive

import "sync/atomic"

// PauseSignal is the process-wide consumption switch. Sources check it
// before every poll. The zero value is resumed.
type PauseSignal struct {
	paused atomic.Bool
}

// NewPauseSignal returns a resumed signal.
func NewPauseSignal() *PauseSignal {
	return &PauseSignal{}
}

// Pause stops sources from issuing new polls.
func (p *PauseSignal) Pause() { p.paused.Store(true) }

// Resume lets sources poll again.
func (p *PauseSignal) Resume() { p.paused.Store(false) }

// IsPaused reports the current state. A nil signal is never paused.
func (p *PauseSignal) IsPaused() bool {
	return p != nil && p.paused.Load()
}
