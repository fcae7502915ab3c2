// Package sidecar launches and supervises the local child service. A start
// runs a bounded retry loop: pick a port, spawn the child with a fresh
// startup token, then race a token-checked health poll against the child's
// termination. The port is recorded only after a matching health response
// and cleared on every failure and shutdown.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/wangshunnn/mind-flayer/internal/config"
	"github.com/wangshunnn/mind-flayer/internal/log"
	"github.com/wangshunnn/mind-flayer/internal/protocol"
)

var sidecarLog = log.WithComponent("sidecar")

const portPollInterval = 100 * time.Millisecond

// Options configures a Supervisor. Zero values take the defaults from
// config.DefaultGlobalConfig.
type Options struct {
	Command string
	Args    []string
	// Env is appended to the parent environment for every spawn.
	Env []string
	Dir string

	PreferredPort     int
	MaxAttempts       int
	HealthTimeout     time.Duration
	HealthInterval    time.Duration
	RetryDelay        time.Duration
	ShutdownGrace     time.Duration
	PortWaitTimeout   time.Duration
	StderrBufferBytes int

	// Inspector is used by Stop to find and kill a child that ignored the
	// termination signal. Defaults to DefaultInspector().
	Inspector PortInspector
}

// OptionsFromConfig builds Options from the sidecar section of the global
// config, resolving the command to launch.
func OptionsFromConfig(cfg config.SidecarConfig) (Options, error) {
	command, args, err := ResolveCommand(cfg)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Command:           command,
		Args:              args,
		PreferredPort:     cfg.PreferredPort,
		MaxAttempts:       cfg.MaxAttempts,
		HealthTimeout:     cfg.HealthTimeout.Std(),
		HealthInterval:    cfg.HealthInterval.Std(),
		RetryDelay:        cfg.RetryDelay.Std(),
		ShutdownGrace:     cfg.ShutdownGrace.Std(),
		PortWaitTimeout:   cfg.PortWaitTimeout.Std(),
		StderrBufferBytes: cfg.StderrBufferBytes,
	}, nil
}

func (o *Options) applyDefaults() {
	def := config.DefaultGlobalConfig().Sidecar
	if o.PreferredPort <= 0 {
		o.PreferredPort = def.PreferredPort
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = def.HealthTimeout.Std()
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = def.HealthInterval.Std()
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay.Std()
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = def.ShutdownGrace.Std()
	}
	if o.PortWaitTimeout <= 0 {
		o.PortWaitTimeout = def.PortWaitTimeout.Std()
	}
	if o.StderrBufferBytes <= 0 {
		o.StderrBufferBytes = def.StderrBufferBytes
	}
	if o.Inspector == nil {
		o.Inspector = DefaultInspector()
	}
}

// process is an owned child and its input stream. writeMu serializes
// writers without holding the supervisor's child lock, so a child that stops
// reading stdin cannot block Stop.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pid     int
	writeMu sync.Mutex
}

// Supervisor owns at most one child process and the port it was confirmed
// healthy on. Create one per application run and share it by pointer.
type Supervisor struct {
	opts   Options
	health *http.Client

	// startMu serializes Start calls.
	startMu sync.Mutex

	child guarded[*process]
	port  guarded[int]

	cancelMu    sync.Mutex
	cancelStart context.CancelFunc
}

// New creates a Supervisor. No process is launched until Start.
func New(opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		opts:   opts,
		health: newHealthClient(),
	}
}

// Start launches the child and returns the port it is healthy on.
//
// Attempt 1 uses the preferred port; later attempts use an OS-assigned
// port. A bind conflict on attempt 1 falls back to the next attempt. Any
// other failure of attempt 1 is returned immediately. Failures of later
// attempts are retried until MaxAttempts is exhausted. Attempt failures are
// reported as a *StartError.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancelStart(cancel)
	defer s.setCancelStart(nil)

	s.clearPort()
	if prev, err := s.child.take(); err != nil {
		return 0, fmt.Errorf("acquiring sidecar process: %w", err)
	} else if prev != nil {
		sidecarLog.Warn("replacing previously started sidecar", "pid", prev.pid)
		s.kill(prev)
	}

	maxAttempts := s.opts.MaxAttempts
	result := &StartError{MaxAttempts: maxAttempts}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		preferred := attempt == 1
		port := s.opts.PreferredPort
		if !preferred {
			p, err := ephemeralPort()
			if err != nil {
				aerr := &AttemptError{Attempt: attempt, Kind: SpawnFailed, Err: err}
				result.Attempts = append(result.Attempts, aerr)
				sidecarLog.Error("failed to pick sidecar port", "attempt", attempt, "error", err)
				continue
			}
			port = p
		}
		token := NewStartupToken(attempt, port)

		sidecarLog.Info("starting sidecar", "attempt", attempt, "max_attempts", maxAttempts, "port", port)

		proc, mon, err := s.spawn(port, token)
		if err == nil {
			if storeErr := s.child.store(proc); storeErr != nil {
				s.kill(proc)
				err = fmt.Errorf("storing sidecar process: %w", storeErr)
			}
		}
		if err != nil {
			aerr := &AttemptError{Attempt: attempt, Port: port, Kind: SpawnFailed, Err: err}
			result.Attempts = append(result.Attempts, aerr)
			sidecarLog.Error("failed to spawn sidecar", "attempt", attempt, "port", port, "error", err)
			if preferred {
				s.clearPort()
				return 0, result
			}
			continue
		}
		sidecarLog.Debug("sidecar process spawned", "pid", proc.pid, "port", port)

		aerr := s.awaitReady(ctx, attempt, port, token, mon)
		if ctx.Err() != nil {
			s.killOwned()
			s.clearPort()
			return 0, fmt.Errorf("starting sidecar: %w", ctx.Err())
		}
		if aerr == nil {
			if err := s.port.store(port); err != nil {
				s.killOwned()
				return 0, fmt.Errorf("recording sidecar port: %w", err)
			}
			sidecarLog.Info("sidecar ready", "port", port, "pid", proc.pid, "attempt", attempt)
			return port, nil
		}

		s.killOwned()
		sleepCtx(ctx, s.opts.RetryDelay)
		mon.waitDrained(ctx)

		aerr.Stderr = mon.stderr.Snapshot()
		result.Attempts = append(result.Attempts, aerr)
		sidecarLog.Warn("sidecar failed to become healthy",
			"attempt", attempt, "max_attempts", maxAttempts, "kind", aerr.Kind.String(), "error", aerr.Error())

		if shouldFallbackToEphemeral(attempt, classifyStartupFailure(aerr.Stderr)) {
			sidecarLog.Info("preferred sidecar port is already in use, falling back to random port",
				"port", s.opts.PreferredPort)
			continue
		}
		if preferred {
			s.clearPort()
			return 0, result
		}
	}

	s.clearPort()
	return 0, result
}

func (s *Supervisor) spawn(port int, token string) (*process, *monitor, error) {
	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Env = append(cmd.Env,
		protocol.EnvPort+"="+strconv.Itoa(port),
		protocol.EnvStartupToken+"="+token,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// Output pipes are plain files rather than exec-managed pipes so Wait
	// returns when the child exits, not when every holder of the pipe does.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stderrR)
		return nil, nil, startErr
	}

	mon := startMonitor(cmd, stdoutR, stderrR, s.opts.StderrBufferBytes)
	return &process{cmd: cmd, stdin: stdin, pid: cmd.Process.Pid}, mon, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// awaitReady races the health poll against the child's termination. Both
// waiters write into a single-slot channel; the first write wins and the
// loser is cancelled through ctx.
func (s *Supervisor) awaitReady(ctx context.Context, attempt, port int, token string, mon *monitor) *AttemptError {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := make(chan *AttemptError, 1)
	offer := func(r *AttemptError) {
		select {
		case outcome <- r:
		default:
		}
	}

	go func() {
		err := waitHealthy(ctx, s.health, port, token, s.opts.HealthTimeout, s.opts.HealthInterval)
		if err != nil {
			offer(&AttemptError{Attempt: attempt, Port: port, Kind: HealthTimeout, Err: err})
			return
		}
		offer(nil)
	}()

	go func() {
		select {
		case term, ok := <-mon.terminated:
			if !ok {
				term = Termination{Reason: streamClosedReason}
			}
			offer(&AttemptError{Attempt: attempt, Port: port, Kind: Terminated, Termination: &term})
		case <-ctx.Done():
		}
	}()

	return <-outcome
}

// WaitForPort blocks until a healthy port is recorded or timeout elapses.
// A zero timeout uses Options.PortWaitTimeout.
func (s *Supervisor) WaitForPort(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = s.opts.PortWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()

	for {
		port, err := s.port.load()
		if err != nil {
			return 0, fmt.Errorf("reading sidecar port: %w", err)
		}
		if port != 0 {
			return port, nil
		}
		if !time.Now().Before(deadline) {
			return 0, fmt.Errorf("timed out waiting for sidecar port after %dms", timeout.Milliseconds())
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WriteInput writes p to the owned child's stdin. It returns ErrNotRunning
// when no child is owned. A write blocked on a child that stopped reading is
// released by Stop, which closes stdin.
func (s *Supervisor) WriteInput(p []byte) error {
	proc, err := s.child.load()
	if err != nil {
		return fmt.Errorf("acquiring sidecar process: %w", err)
	}
	if proc == nil {
		return ErrNotRunning
	}

	proc.writeMu.Lock()
	defer proc.writeMu.Unlock()
	if _, err := proc.stdin.Write(p); err != nil {
		return fmt.Errorf("writing to sidecar stdin: %w", err)
	}
	return nil
}

// Stop sends the child a graceful termination signal, waits the shutdown
// grace period, and force-kills it if it still holds the recorded port. Port
// and process state are cleared regardless of which path ran. An in-flight
// Start is cancelled first.
func (s *Supervisor) Stop(ctx context.Context) error {
	sidecarLog.Info("cleaning up sidecar")

	s.cancelMu.Lock()
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.cancelMu.Unlock()

	port, portErr := s.port.take()
	if portErr != nil {
		sidecarLog.Error("failed to acquire sidecar port lock", "error", portErr)
	}
	proc, childErr := s.child.take()
	if childErr != nil {
		sidecarLog.Error("failed to acquire sidecar process lock", "error", childErr)
	}

	var pid int
	signaled := false
	if proc != nil {
		pid = proc.pid
		if err := terminate(proc.cmd.Process); err != nil {
			sidecarLog.Error("failed to signal sidecar process", "pid", pid, "error", err)
		} else {
			sidecarLog.Info("sidecar process termination signal sent", "pid", pid)
			signaled = true
		}
		_ = proc.stdin.Close()
	}

	if signaled {
		sleepCtx(ctx, s.opts.ShutdownGrace)
	}

	if port != 0 && pid != 0 {
		if s.opts.Inspector.IsPIDListening(ctx, pid, port) {
			sidecarLog.Warn("sidecar is still listening, force killing", "pid", pid, "port", port)
			if err := s.opts.Inspector.ForceKill(pid); err != nil {
				sidecarLog.Debug("failed to force kill sidecar", "pid", pid, "error", err)
			}
		} else {
			sidecarLog.Debug("no forced port cleanup needed", "pid", pid, "port", port)
		}
	}

	sidecarLog.Info("sidecar cleanup completed")
	return errors.Join(portErr, childErr)
}

// Port returns the recorded healthy port.
func (s *Supervisor) Port() (int, bool) {
	port, err := s.port.load()
	if err != nil || port == 0 {
		return 0, false
	}
	return port, true
}

// Running reports whether a child process is currently owned.
func (s *Supervisor) Running() bool {
	proc, err := s.child.load()
	return err == nil && proc != nil
}

// PID returns the owned child's process id, or 0.
func (s *Supervisor) PID() int {
	proc, err := s.child.load()
	if err != nil || proc == nil {
		return 0
	}
	return proc.pid
}

func (s *Supervisor) setCancelStart(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancelStart = cancel
	s.cancelMu.Unlock()
}

func (s *Supervisor) clearPort() {
	if err := s.port.store(0); err != nil {
		sidecarLog.Error("failed to clear sidecar port state", "error", err)
	}
}

// killOwned removes the owned child from state and kills it.
func (s *Supervisor) killOwned() {
	proc, err := s.child.take()
	if err != nil {
		sidecarLog.Error("failed to acquire sidecar process lock for cleanup", "error", err)
		return
	}
	if proc != nil {
		s.kill(proc)
	}
}

func (s *Supervisor) kill(proc *process) {
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		sidecarLog.Error("failed to kill sidecar process", "pid", proc.pid, "error", err)
	}
	_ = proc.stdin.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
