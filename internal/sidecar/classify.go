package sidecar

import (
	"strings"
)

type startupFailure int

const (
	failureOther startupFailure = iota
	failureAddrInUse
)

// bindErrorCode returns the code= value from the most recent stderr line
// carrying a BIND_ERROR marker.
func bindErrorCode(stderr string) (string, bool) {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.Contains(strings.ToLower(line), "bind_error") {
			continue
		}
		for _, field := range strings.Fields(line) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			if strings.EqualFold(key, "code") {
				return strings.Trim(value, ",;"), true
			}
		}
	}
	return "", false
}

// IsAddrInUse reports whether stderr output describes a port bind conflict.
// A structured BIND_ERROR code decides on its own; free text is only
// consulted when no structured code is present.
func IsAddrInUse(stderr string) bool {
	if code, ok := bindErrorCode(stderr); ok {
		return strings.EqualFold(code, "EADDRINUSE") || strings.EqualFold(code, "AddrInUse")
	}

	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "eaddrinuse") ||
		strings.Contains(lower, "addrinuse") ||
		strings.Contains(lower, "address already in use")
}

func classifyStartupFailure(stderr string) startupFailure {
	if IsAddrInUse(stderr) {
		return failureAddrInUse
	}
	return failureOther
}

// shouldFallbackToEphemeral allows a single switch away from the preferred
// port, only after the first attempt lost a bind race.
func shouldFallbackToEphemeral(attempt int, kind startupFailure) bool {
	return attempt == 1 && kind == failureAddrInUse
}
