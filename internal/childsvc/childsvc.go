// Package childsvc is a minimal child service that satisfies the sidecar
// contract: it binds the port it is given, answers health checks with its
// startup token, applies config_update lines from stdin, and shuts down
// gracefully when its context is cancelled.
package childsvc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/wangshunnn/mind-flayer/internal/log"
	"github.com/wangshunnn/mind-flayer/internal/protocol"
)

// DefaultShutdownTimeout bounds graceful shutdown before connections are
// closed forcibly.
const DefaultShutdownTimeout = 5 * time.Second

// Options configures a Service.
type Options struct {
	Port         int
	StartupToken string
	Version      string

	// Input carries line-delimited protocol messages. Nil disables it.
	Input io.Reader
	// Diagnostics receives BIND_ERROR lines. Defaults to os.Stderr.
	Diagnostics io.Writer

	ShutdownTimeout time.Duration
}

// OptionsFromEnv reads the port and startup token set by the supervisor.
func OptionsFromEnv() (Options, error) {
	portStr := os.Getenv(protocol.EnvPort)
	if portStr == "" {
		return Options{}, fmt.Errorf("%s is not set", protocol.EnvPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Options{}, fmt.Errorf("invalid %s %q", protocol.EnvPort, portStr)
	}
	return Options{
		Port:         port,
		StartupToken: os.Getenv(protocol.EnvStartupToken),
		Input:        os.Stdin,
		Diagnostics:  os.Stderr,
	}, nil
}

// BindError is returned by Run when the port could not be bound.
type BindError struct {
	Code string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind failed (%s): %v", e.Code, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Service is the child's HTTP server and in-memory credential view.
type Service struct {
	opts Options

	mu      sync.RWMutex
	configs map[string]protocol.ProviderConfig
}

// New creates a Service. Nothing is bound until Run.
func New(opts Options) *Service {
	if opts.Diagnostics == nil {
		opts.Diagnostics = os.Stderr
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Service{
		opts:    opts,
		configs: map[string]protocol.ProviderConfig{},
	}
}

// Handler returns the service's HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.HealthPath, s.handleHealth)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	return mux
}

// Run binds 127.0.0.1:<port> and serves until ctx is cancelled. A bind
// failure writes a BIND_ERROR line to Diagnostics and returns *BindError.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.opts.Port)))
	if err != nil {
		code := bindErrorCode(err)
		fmt.Fprintln(s.opts.Diagnostics, protocol.FormatBindError(code, err.Error()))
		return &BindError{Code: code, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.opts.Input != nil {
		go s.readInput(s.opts.Input)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()
	log.Info("sidecar listening", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("sidecar shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown timed out, closing connections", "error", err)
		_ = server.Close()
		return fmt.Errorf("forced shutdown: %w", err)
	}
	return nil
}

// readInput applies every line of r until EOF.
func (s *Service) readInput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.ApplyLine(line); err != nil {
			log.Warn("ignoring input line", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading input stream", "error", err)
	}
}

// ApplyLine handles one protocol message. config_update replaces the whole
// credential view; unknown types are ignored.
func (s *Service) ApplyLine(line []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("parsing message: %w", err)
	}

	switch msg.Type {
	case protocol.TypeConfigUpdate:
		var update protocol.ConfigUpdate
		if err := json.Unmarshal(line, &update); err != nil {
			return fmt.Errorf("parsing config update: %w", err)
		}
		configs := update.Configs
		if configs == nil {
			configs = map[string]protocol.ProviderConfig{}
		}
		s.mu.Lock()
		s.configs = configs
		s.mu.Unlock()
		log.Info("applied config update", "providers", len(configs))
	default:
		log.Debug("ignoring message", "type", msg.Type)
	}
	return nil
}

// Providers returns the configured provider names, sorted.
func (s *Service) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the current config for provider.
func (s *Service) Config(provider string) (protocol.ProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[provider]
	return cfg, ok
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:       protocol.StatusOK,
		Service:      protocol.ServiceName,
		StartupToken: s.opts.StartupToken,
		Version:      s.opts.Version,
	})
}

// ProvidersResponse is returned from GET /v1/providers. Keys are never exposed.
type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

func (s *Service) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProvidersResponse{Providers: s.Providers()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bindErrorCode(err error) string {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return "EADDRINUSE"
	case errors.Is(err, syscall.EACCES):
		return "EACCES"
	case errors.Is(err, syscall.EPERM):
		return "EPERM"
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return "EADDRNOTAVAIL"
	default:
		return "UNKNOWN"
	}
}
