//go:build windows

package sidecar

import (
	"context"
	"os"
)

// noopInspector is used where port introspection is unavailable. The
// forced cleanup path never runs.
type noopInspector struct{}

func (noopInspector) IsPIDListening(context.Context, int, int) bool { return false }

func (noopInspector) ForceKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// DefaultInspector returns the inspector for this platform.
func DefaultInspector() PortInspector { return noopInspector{} }

// terminate stops the process. Windows has no SIGTERM equivalent for
// console-less children.
func terminate(p *os.Process) error {
	return p.Kill()
}
