package sidecar

import (
	"context"
	"strconv"
	"strings"
)

// PortInspector looks at which processes hold a port and can force-kill
// one. Implementations are selected per platform at build time.
type PortInspector interface {
	// IsPIDListening reports whether pid is listed as holding port.
	IsPIDListening(ctx context.Context, pid, port int) bool
	// ForceKill terminates pid without giving it a chance to clean up.
	ForceKill(pid int) error
}

// parsePIDs extracts one PID per line, skipping anything unparsable.
func parsePIDs(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
