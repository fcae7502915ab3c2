package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wangshunnn/mind-flayer/internal/protocol"
)

// newHealthClient returns a client that never routes loopback health checks
// through HTTP_PROXY or HTTPS_PROXY.
func newHealthClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
		},
	}
}

func healthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, protocol.HealthPath)
}

// checkHealth performs one health request and verifies the payload
// identifies this attempt's child.
func checkHealth(ctx context.Context, client *http.Client, port int, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(port), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to connect to sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Health endpoint returned %s", resp.Status)
	}

	var payload protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Failed to parse health endpoint response: %w", err)
	}
	if !payload.Matches(token) {
		return fmt.Errorf("Health endpoint returned unexpected payload (service=%s, startupToken=%s)",
			orMissing(payload.Service), orMissing(payload.StartupToken))
	}
	return nil
}

func orMissing(s string) string {
	if s == "" {
		return "<missing>"
	}
	return s
}

// waitHealthy polls the health endpoint every interval until it returns a
// matching payload or timeout elapses. The timeout is independent of the
// polling interval.
func waitHealthy(ctx context.Context, client *http.Client, port int, token string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastErr := errors.New("Sidecar did not respond yet")

	for {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("Sidecar health check timed out on port %d after %dms: %w",
				port, timeout.Milliseconds(), lastErr)
		}

		reqCtx, cancel := context.WithDeadline(ctx, deadline)
		err := checkHealth(reqCtx, client, port, token)
		cancel()
		if err == nil {
			sidecarLog.Info("sidecar health check passed", "port", port)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
