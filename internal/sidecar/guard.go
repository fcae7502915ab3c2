package sidecar

import (
	"sync"
)

// guarded wraps a value behind a mutex. A panic inside a critical section
// marks the value unusable; later callers get ErrLockUnavailable instead of
// observing half-updated state.
type guarded[T any] struct {
	mu       sync.Mutex
	val      T
	poisoned bool
}

func (g *guarded[T]) with(fn func(v *T)) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.poisoned {
		return ErrLockUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			g.poisoned = true
			sidecarLog.Error("panic while holding sidecar state lock", "panic", r)
			err = ErrLockUnavailable
		}
	}()
	fn(&g.val)
	return nil
}

func (g *guarded[T]) load() (T, error) {
	var out T
	err := g.with(func(v *T) { out = *v })
	return out, err
}

func (g *guarded[T]) store(val T) error {
	return g.with(func(v *T) { *v = val })
}

// take returns the current value and resets it to the zero value.
func (g *guarded[T]) take() (T, error) {
	var out, zero T
	err := g.with(func(v *T) {
		out = *v
		*v = zero
	})
	return out, err
}
