package bridge

import (
	"sync"
	"time"
)

// debouncer runs callback once after triggers stop arriving for duration.
type debouncer struct {
	duration time.Duration
	callback func()
	timer    *time.Timer
	mu       sync.Mutex
}

func newDebouncer(duration time.Duration, callback func()) *debouncer {
	return &debouncer{
		duration: duration,
		callback: callback,
	}
}

// Trigger restarts the countdown.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.callback)
}

// Cancel stops a pending callback.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
