package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangshunnn/mind-flayer/internal/credential"
	"github.com/wangshunnn/mind-flayer/internal/protocol"
	"github.com/wangshunnn/mind-flayer/internal/sidecar"
)

var testKey = []byte("bridge-test-key-that-is-32-bytes")

// fakeSupervisor records stdin writes and reports ErrNotRunning until started.
type fakeSupervisor struct {
	mu       sync.Mutex
	running  bool
	writeErr error
	startErr error
	port     int
	lines    [][]byte
}

func (f *fakeSupervisor) Start(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.running = true
	return f.port, nil
}

func (f *fakeSupervisor) WaitForPort(context.Context, time.Duration) (int, error) {
	return f.port, nil
}

func (f *fakeSupervisor) Stop(context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) WriteInput(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return sidecar.ErrNotRunning
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.lines = append(f.lines, append([]byte(nil), p...))
	return nil
}

func (f *fakeSupervisor) pushes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.lines...)
}

func (f *fakeSupervisor) lastUpdate(t *testing.T) protocol.ConfigUpdate {
	t.Helper()
	lines := f.pushes()
	require.NotEmpty(t, lines)
	var update protocol.ConfigUpdate
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &update))
	return update
}

func newTestStore(t *testing.T) *credential.FileStore {
	t.Helper()
	store, err := credential.NewFileStore(filepath.Join(t.TempDir(), credential.FileName), testKey)
	require.NoError(t, err)
	return store
}

func TestPush_WritesSingleLineSnapshot(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("minimax", credential.ProviderCredential{APIKey: "k1"}))
	require.NoError(t, store.Save("zhipu", credential.ProviderCredential{APIKey: "k2", BaseURL: "https://z"}))

	sup := &fakeSupervisor{running: true}
	require.NoError(t, New(store, sup).Push())

	lines := sup.pushes()
	require.Len(t, lines, 1)
	assert.True(t, bytes.HasSuffix(lines[0], []byte("\n")))
	assert.Equal(t, 1, bytes.Count(lines[0], []byte("\n")))
	assert.Contains(t, string(lines[0]), `"minimax":{"apiKey":"k1","baseUrl":null}`)

	update := sup.lastUpdate(t)
	assert.Equal(t, protocol.TypeConfigUpdate, update.Type)
	require.Len(t, update.Configs, 2)
	require.NotNil(t, update.Configs["zhipu"].BaseURL)
	assert.Equal(t, "https://z", *update.Configs["zhipu"].BaseURL)
}

func TestPush_EmptyStoreSendsEmptyObject(t *testing.T) {
	sup := &fakeSupervisor{running: true}
	require.NoError(t, New(newTestStore(t), sup).Push())
	assert.Equal(t, `{"type":"config_update","configs":{}}`+"\n", string(sup.pushes()[0]))
}

func TestPush_NoChildIsRecoverableError(t *testing.T) {
	sup := &fakeSupervisor{}
	err := New(newTestStore(t), sup).Push()
	assert.ErrorIs(t, err, sidecar.ErrNotRunning)
}

func TestPush_RealSupervisorWithoutChild(t *testing.T) {
	sup := sidecar.New(sidecar.Options{Command: "unused"})
	err := New(newTestStore(t), sup).Push()
	assert.ErrorIs(t, err, sidecar.ErrNotRunning)
}

func TestService_SaveWhileStoppedIsDeferred(t *testing.T) {
	store := newTestStore(t)
	sup := &fakeSupervisor{port: 4000}
	svc := NewService(sup, store)

	require.NoError(t, svc.SaveCredential("p1", credential.ProviderCredential{APIKey: "k1"}))
	assert.Empty(t, sup.pushes())

	got, err := svc.GetCredential("p1")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.APIKey)

	// The deferred snapshot is delivered by the post-start push.
	port, err := svc.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4000, port)
	assert.Contains(t, sup.lastUpdate(t).Configs, "p1")
}

func TestService_SaveAndDeletePush(t *testing.T) {
	store := newTestStore(t)
	sup := &fakeSupervisor{running: true}
	svc := NewService(sup, store)

	require.NoError(t, svc.SaveCredential("p1", credential.ProviderCredential{APIKey: "k1"}))
	require.NoError(t, svc.SaveCredential("p2", credential.ProviderCredential{APIKey: "k2"}))
	assert.Len(t, sup.lastUpdate(t).Configs, 2)

	require.NoError(t, svc.DeleteCredential("p1"))
	update := sup.lastUpdate(t)
	assert.Len(t, update.Configs, 1)
	assert.Contains(t, update.Configs, "p2")

	names, err := svc.ListProviders()
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, names)
}

func TestService_PushFailureIsReturned(t *testing.T) {
	sup := &fakeSupervisor{running: true, writeErr: errors.New("broken pipe")}
	svc := NewService(sup, newTestStore(t))

	err := svc.SaveCredential("p1", credential.ProviderCredential{APIKey: "k1"})
	assert.ErrorContains(t, err, "broken pipe")
}

func TestService_InvalidCredentialNotPushed(t *testing.T) {
	sup := &fakeSupervisor{running: true}
	svc := NewService(sup, newTestStore(t))

	err := svc.SaveCredential("p1", credential.ProviderCredential{})
	assert.ErrorIs(t, err, credential.ErrInvalidCredential)
	assert.Empty(t, sup.pushes())
}

func TestService_StartFailureSkipsPush(t *testing.T) {
	sup := &fakeSupervisor{startErr: errors.New("no luck")}
	svc := NewService(sup, newTestStore(t))

	_, err := svc.Start(context.Background())
	assert.Error(t, err)
	assert.Empty(t, sup.pushes())
}

func TestService_DeleteMissingSucceeds(t *testing.T) {
	sup := &fakeSupervisor{running: true}
	svc := NewService(sup, newTestStore(t))
	assert.NoError(t, svc.DeleteCredential("never-saved"))
}

func TestWatcher_PushesOnExternalChange(t *testing.T) {
	store := newTestStore(t)
	sup := &fakeSupervisor{running: true}
	w := NewWatcher(store.Path(), New(store, sup), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	other, err := credential.NewFileStore(store.Path(), testKey)
	require.NoError(t, err)
	require.NoError(t, other.Save("external", credential.ProviderCredential{APIKey: "k"}))

	require.Eventually(t, func() bool {
		lines := sup.pushes()
		if len(lines) == 0 {
			return false
		}
		var update protocol.ConfigUpdate
		return json.Unmarshal(lines[len(lines)-1], &update) == nil && len(update.Configs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDebouncer_Coalesces(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(50*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncer_Cancel(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(20*time.Millisecond, func() { calls.Add(1) })
	d.Trigger()
	d.Cancel()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
