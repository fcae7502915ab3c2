package sidecar

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotRunning is returned when an operation needs the child process
	// and none is currently owned by the supervisor.
	ErrNotRunning = errors.New("sidecar process not running")

	// ErrLockUnavailable is returned when a guarded piece of supervisor
	// state was left unusable by a panic inside its critical section.
	ErrLockUnavailable = errors.New("sidecar state lock unavailable")
)

// FailureKind classifies why a single start attempt failed.
type FailureKind int

const (
	// HealthTimeout means the health endpoint never produced a matching
	// payload within the health timeout.
	HealthTimeout FailureKind = iota
	// Terminated means the child exited before it became healthy.
	Terminated
	// SpawnFailed means the child could not be launched or stored.
	SpawnFailed
)

func (k FailureKind) String() string {
	switch k {
	case HealthTimeout:
		return "health_timeout"
	case Terminated:
		return "terminated"
	case SpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Termination describes how a child process ended. Code and Signal are nil
// when the platform did not report them.
type Termination struct {
	Code   *int
	Signal *int
	Reason string
}

func (t Termination) String() string {
	return fmt.Sprintf("code: %s, signal: %s, reason: %s", optInt(t.Code), optInt(t.Signal), t.Reason)
}

func optInt(v *int) string {
	if v == nil {
		return "none"
	}
	return strconv.Itoa(*v)
}

// AttemptError is the failure of one spawn-to-resolution cycle.
type AttemptError struct {
	Attempt     int
	Port        int
	Kind        FailureKind
	Termination *Termination
	// Err is the underlying cause for HealthTimeout and SpawnFailed.
	Err error
	// Stderr is the trimmed snapshot of the child's stderr buffer.
	Stderr string
}

func (e *AttemptError) Error() string {
	var msg string
	switch e.Kind {
	case Terminated:
		term := Termination{Reason: "unknown"}
		if e.Termination != nil {
			term = *e.Termination
		}
		msg = fmt.Sprintf("Sidecar terminated before becoming healthy on port %d (%s)", e.Port, term)
	case SpawnFailed:
		msg = fmt.Sprintf("Failed to spawn sidecar on port %d: %v", e.Port, e.Err)
	default:
		msg = fmt.Sprint(e.Err)
	}
	if e.Stderr != "" {
		msg += " | stderr: " + e.Stderr
	}
	return msg
}

func (e *AttemptError) Unwrap() error { return e.Err }

// AddrInUse reports whether the captured stderr indicates a bind conflict.
func (e *AttemptError) AddrInUse() bool { return IsAddrInUse(e.Stderr) }

// StartError is returned by Start when no attempt produced a healthy child.
type StartError struct {
	Attempts    []*AttemptError
	MaxAttempts int
}

// Last returns the final attempt failure.
func (e *StartError) Last() *AttemptError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *StartError) Error() string {
	last := e.Last()
	if last == nil {
		return "sidecar failed to start"
	}
	return fmt.Sprintf("sidecar failed to start (attempt %d/%d): %s", last.Attempt, e.MaxAttempts, last.Error())
}

func (e *StartError) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}
