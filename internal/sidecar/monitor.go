package sidecar

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const streamClosedReason = "Sidecar process event stream closed"

// drainGrace bounds how long output is still read after the child exits.
// A grandchild that inherited the pipes can otherwise keep them open forever.
const drainGrace = 2 * time.Second

// monitor consumes a child's output streams and reports its termination.
type monitor struct {
	stderr *stderrBuffer
	// terminated receives exactly one Termination and is then closed.
	terminated chan Termination
	// drained is closed once both output streams are finished.
	drained chan struct{}
}

// startMonitor drains stdout and stderr for the lifetime of the process and
// reaps it concurrently, so termination is reported as soon as the child
// exits even when its pipes outlive it. The monitor owns both read ends.
func startMonitor(cmd *exec.Cmd, stdout, stderr *os.File, bufferBytes int) *monitor {
	m := &monitor{
		stderr:     newStderrBuffer(bufferBytes),
		terminated: make(chan Termination, 1),
		drained:    make(chan struct{}),
	}

	go func() {
		defer close(m.drained)

		var g errgroup.Group
		g.Go(func() error {
			return drainLines(stdout, func(line string) {
				sidecarLog.Debug(line, "stream", "stdout")
			})
		})
		g.Go(func() error {
			return drainLines(stderr, func(line string) {
				sidecarLog.Error(line, "stream", "stderr")
				m.stderr.Append(line)
			})
		})
		if err := g.Wait(); err != nil {
			sidecarLog.Debug("sidecar output stream closed", "error", err)
		}
	}()

	go func() {
		defer close(m.terminated)

		term := terminationOf(cmd, cmd.Wait())
		sidecarLog.Warn("sidecar process terminated", "code", optInt(term.Code), "signal", optInt(term.Signal))
		m.terminated <- term

		select {
		case <-m.drained:
		case <-time.After(drainGrace):
			sidecarLog.Debug("sidecar output still open after exit, closing pipes")
		}
		_ = stdout.Close()
		_ = stderr.Close()
	}()

	return m
}

// waitDrained blocks until both streams are finished, ctx is done or
// drainGrace elapses.
func (m *monitor) waitDrained(ctx context.Context) {
	t := time.NewTimer(drainGrace)
	defer t.Stop()
	select {
	case <-m.drained:
	case <-ctx.Done():
	case <-t.C:
	}
}

// drainLines calls fn for every line of r. After a scan error the rest of
// the stream is discarded so the child never blocks on a full pipe.
func drainLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func terminationOf(cmd *exec.Cmd, waitErr error) Termination {
	state := cmd.ProcessState
	if state == nil {
		reason := streamClosedReason
		if waitErr != nil {
			reason = "waiting for sidecar process: " + waitErr.Error()
		}
		return Termination{Reason: reason}
	}

	term := Termination{Reason: "Received process termination event"}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int(ws.Signal())
		term.Signal = &sig
		return term
	}
	code := state.ExitCode()
	term.Code = &code
	return term
}
