package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/wangshunnn/mind-flayer/internal/credential"
	"github.com/wangshunnn/mind-flayer/internal/sidecar"
)

// Supervisor is the part of *sidecar.Supervisor the Service drives.
type Supervisor interface {
	InputWriter
	Start(ctx context.Context) (int, error)
	WaitForPort(ctx context.Context, timeout time.Duration) (int, error)
	Stop(ctx context.Context) error
}

// Service is the operational surface exposed to the UI layer. It ties the
// supervisor and the credential store together so every credential change
// reaches the running child.
type Service struct {
	sup    Supervisor
	store  credential.Store
	bridge *Bridge
}

// NewService creates a Service.
func NewService(sup Supervisor, store credential.Store) *Service {
	return &Service{
		sup:    sup,
		store:  store,
		bridge: New(store, sup),
	}
}

// Bridge returns the service's bridge.
func (s *Service) Bridge() *Bridge { return s.bridge }

// Start launches the sidecar and pushes the current credentials to it. A
// failed push is logged; the child is already healthy at that point.
func (s *Service) Start(ctx context.Context) (int, error) {
	port, err := s.sup.Start(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.bridge.Push(); err != nil {
		bridgeLog.Warn("failed to push config after sidecar start", "error", err)
	}
	return port, nil
}

// WaitForPort waits for the sidecar to report a healthy port.
func (s *Service) WaitForPort(ctx context.Context, timeout time.Duration) (int, error) {
	return s.sup.WaitForPort(ctx, timeout)
}

// SaveCredential persists cred and pushes the new snapshot. When no child
// is running the push stays pending until the next start.
func (s *Service) SaveCredential(provider string, cred credential.ProviderCredential) error {
	if err := s.store.Save(provider, cred); err != nil {
		return err
	}
	return s.pushAfterChange()
}

// DeleteCredential removes provider and pushes the new snapshot.
func (s *Service) DeleteCredential(provider string) error {
	if err := s.store.Delete(provider); err != nil {
		return err
	}
	return s.pushAfterChange()
}

// GetCredential returns the stored credential for provider.
func (s *Service) GetCredential(provider string) (*credential.ProviderCredential, error) {
	return s.store.Get(provider)
}

// ListProviders returns all configured provider names.
func (s *Service) ListProviders() ([]string, error) {
	return s.store.List()
}

// Stop shuts the sidecar down.
func (s *Service) Stop(ctx context.Context) error {
	return s.sup.Stop(ctx)
}

func (s *Service) pushAfterChange() error {
	err := s.bridge.Push()
	if errors.Is(err, sidecar.ErrNotRunning) {
		bridgeLog.Debug("sidecar not running, config push deferred to next start")
		return nil
	}
	return err
}
