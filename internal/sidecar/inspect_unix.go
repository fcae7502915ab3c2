//go:build !windows

package sidecar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"

	"golang.org/x/sys/unix"
)

// LsofInspector checks port ownership by shelling out to lsof.
type LsofInspector struct{}

// IsPIDListening runs `lsof -ti :<port>` and looks for pid in its output.
// A missing lsof binary or a non-zero exit is treated as "not listening".
func (LsofInspector) IsPIDListening(ctx context.Context, pid, port int) bool {
	out, err := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		sidecarLog.Debug("failed to inspect listeners on port", "port", port, "error", err)
		return false
	}
	return slices.Contains(parsePIDs(string(out)), pid)
}

// ForceKill sends SIGKILL to pid.
func (LsofInspector) ForceKill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// DefaultInspector returns the inspector for this platform.
func DefaultInspector() PortInspector { return LsofInspector{} }

// terminate asks the process to shut down gracefully.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
