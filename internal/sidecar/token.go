package sidecar

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
)

// NewStartupToken returns a token unique to this process, attempt, port and
// instant. The child must echo it from its health endpoint.
func NewStartupToken(attempt, port int) string {
	return fmt.Sprintf("%d-%d-%d-%d-%s", os.Getpid(), attempt, port, time.Now().UnixNano(), uuid.NewString())
}

// ephemeralPort picks the port for attempts after the first.
var ephemeralPort = pickEphemeralPort

// pickEphemeralPort asks the OS for a free loopback port and releases it.
func pickEphemeralPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding random local port: %w", err)
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("resolving random local port: unexpected address %s", ln.Addr())
	}
	return addr.Port, nil
}
