package sidecar

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangshunnn/mind-flayer/internal/config"
)

func TestAttemptError_TerminatedMessage(t *testing.T) {
	code := 1
	err := &AttemptError{
		Attempt:     1,
		Port:        3737,
		Kind:        Terminated,
		Termination: &Termination{Code: &code, Reason: "Received process termination event"},
		Stderr:      "BIND_ERROR code=EADDRINUSE message=in use",
	}
	assert.Equal(t,
		"Sidecar terminated before becoming healthy on port 3737 (code: 1, signal: none, reason: Received process termination event) | stderr: BIND_ERROR code=EADDRINUSE message=in use",
		err.Error())
	assert.True(t, err.AddrInUse())
}

func TestAttemptError_HealthTimeoutWrapsCause(t *testing.T) {
	cause := errors.New("Sidecar health check timed out on port 4000 after 10000ms: connection refused")
	err := &AttemptError{Attempt: 2, Port: 4000, Kind: HealthTimeout, Err: cause}
	assert.Equal(t, cause.Error(), err.Error())
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.AddrInUse())
}

func TestStartError_ReportsLastAttempt(t *testing.T) {
	first := &AttemptError{Attempt: 1, Port: 3737, Kind: Terminated, Termination: &Termination{Reason: "x"}}
	last := &AttemptError{Attempt: 3, Port: 5000, Kind: SpawnFailed, Err: errors.New("exec: not found")}
	err := &StartError{Attempts: []*AttemptError{first, last}, MaxAttempts: 3}

	assert.Same(t, last, err.Last())
	assert.Equal(t, "sidecar failed to start (attempt 3/3): Failed to spawn sidecar on port 5000: exec: not found", err.Error())

	var aerr *AttemptError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, SpawnFailed, aerr.Kind)
}

func TestGuarded_PanicMakesStateUnavailable(t *testing.T) {
	var g guarded[int]
	require.NoError(t, g.store(7))

	err := g.with(func(v *int) {
		*v = 8
		panic("boom")
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)

	_, err = g.load()
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestGuarded_Take(t *testing.T) {
	var g guarded[int]
	require.NoError(t, g.store(3737))
	v, err := g.take()
	require.NoError(t, err)
	assert.Equal(t, 3737, v)
	v, _ = g.load()
	assert.Zero(t, v)
}

func TestResolveCommand(t *testing.T) {
	cmd, args, err := ResolveCommand(config.SidecarConfig{Command: "/opt/sidecar", Args: []string{"--flag"}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/sidecar", cmd)
	assert.Equal(t, []string{"--flag"}, args)

	t.Setenv("MIND_FLAYER_EXECUTABLE", "/usr/local/bin/mind-flayer")
	cmd, args, err = ResolveCommand(config.SidecarConfig{})
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/mind-flayer", cmd)
	assert.Equal(t, []string{SubcommandName}, args)
}

func TestResolveCommand_RejectsTestBinary(t *testing.T) {
	t.Setenv("MIND_FLAYER_EXECUTABLE", "")
	_, _, err := ResolveCommand(config.SidecarConfig{})
	assert.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Options{Command: "x"})
	assert.Equal(t, 3737, s.opts.PreferredPort)
	assert.Equal(t, 3, s.opts.MaxAttempts)
	assert.Equal(t, 4096, s.opts.StderrBufferBytes)
	assert.NotNil(t, s.opts.Inspector)
}

func TestWriteInput_NotRunning(t *testing.T) {
	s := New(Options{Command: "x"})
	err := s.WriteInput([]byte("{}\n"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, s.Running())
	assert.Zero(t, s.PID())
	_, ok := s.Port()
	assert.False(t, ok)
}
