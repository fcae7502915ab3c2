// Package protocol defines the contract between the desktop host and the
// sidecar service it launches: environment keys, the health payload, and the
// line-delimited messages written to the sidecar's stdin.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// ServiceName is the name the sidecar reports from its health endpoint.
	ServiceName = "mind-flayer-sidecar"

	// EnvPort carries the port the sidecar must bind.
	EnvPort = "SIDECAR_PORT"
	// EnvStartupToken carries the per-attempt startup token the sidecar must echo.
	EnvStartupToken = "SIDECAR_STARTUP_TOKEN"

	// HealthPath is the sidecar's health endpoint.
	HealthPath = "/health"

	// TypeConfigUpdate identifies a full credential snapshot message.
	TypeConfigUpdate = "config_update"

	// StatusOK is the status value of a healthy sidecar.
	StatusOK = "ok"
)

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	StartupToken string `json:"startupToken"`
	Version      string `json:"version,omitempty"`
}

// Matches reports whether the payload identifies a healthy sidecar started
// with the given token.
func (h *HealthResponse) Matches(startupToken string) bool {
	return h.Status == StatusOK && h.Service == ServiceName && h.StartupToken == startupToken
}

// ProviderConfig is a single provider entry in a config update.
// BaseURL is serialized as null when unset.
type ProviderConfig struct {
	APIKey  string  `json:"apiKey"`
	BaseURL *string `json:"baseUrl"`
}

// ConfigUpdate replaces the sidecar's entire credential view.
type ConfigUpdate struct {
	Type    string                    `json:"type"`
	Configs map[string]ProviderConfig `json:"configs"`
}

// NewConfigUpdate builds a config_update envelope. A nil map is sent as {}.
func NewConfigUpdate(configs map[string]ProviderConfig) ConfigUpdate {
	if configs == nil {
		configs = map[string]ProviderConfig{}
	}
	return ConfigUpdate{Type: TypeConfigUpdate, Configs: configs}
}

// EncodeLine serializes msg as a single newline-terminated JSON line.
func EncodeLine(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Message is the minimal header used to dispatch stdin lines.
type Message struct {
	Type string `json:"type"`
}

// BindErrorMarker prefixes structured bind failure diagnostics.
const BindErrorMarker = "BIND_ERROR"

// FormatBindError renders a structured bind failure line, e.g.
// "BIND_ERROR code=EADDRINUSE message=listen tcp 127.0.0.1:3737: bind: address already in use".
func FormatBindError(code, message string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		code = "UNKNOWN"
	}
	return fmt.Sprintf("%s code=%s message=%s", BindErrorMarker, code, strings.TrimSpace(message))
}
