package credential

import (
	"errors"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func newTestKeychainStore(t *testing.T) *KeychainStore {
	t.Helper()
	keyring.MockInit()
	return NewKeychainStoreWithVault(systemVault{}, "mind-flayer-test")
}

func TestKeychainStore_SaveAndGet(t *testing.T) {
	store := newTestKeychainStore(t)

	if err := store.Save("p1", ProviderCredential{APIKey: "k1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get("p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APIKey != "k1" || got.BaseURL != "" {
		t.Errorf("Get = %+v, want {k1 \"\"}", *got)
	}
}

func TestKeychainStore_DeleteUpdatesIndex(t *testing.T) {
	store := newTestKeychainStore(t)

	store.Save("p1", ProviderCredential{APIKey: "k1"})
	store.Save("p2", ProviderCredential{APIKey: "k2"})

	if err := store.Delete("p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "p2" {
		t.Errorf("List = %v, want [p2]", names)
	}
}

func TestKeychainStore_DeleteMissingIsNoop(t *testing.T) {
	store := newTestKeychainStore(t)
	if err := store.Delete("never-saved"); err != nil {
		t.Errorf("Delete of absent provider: %v", err)
	}
}

func TestKeychainStore_IndexOrderAndNoDuplicates(t *testing.T) {
	store := newTestKeychainStore(t)

	store.Save("zhipu", ProviderCredential{APIKey: "k"})
	store.Save("anthropic", ProviderCredential{APIKey: "k"})
	store.Save("zhipu", ProviderCredential{APIKey: "k2"})

	names, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names, ",") != "zhipu,anthropic" {
		t.Errorf("List = %v, want [zhipu anthropic]", names)
	}

	raw, err := keyring.Get("mind-flayer-test", IndexAccount)
	if err != nil {
		t.Fatalf("reading index secret: %v", err)
	}
	if raw != `["zhipu","anthropic"]` {
		t.Errorf("index secret = %s", raw)
	}
}

func TestKeychainStore_GetAllSkipsCorruptEntry(t *testing.T) {
	store := newTestKeychainStore(t)

	store.Save("good", ProviderCredential{APIKey: "k1"})
	store.Save("bad", ProviderCredential{APIKey: "k2"})
	if err := keyring.Set("mind-flayer-test", "bad", "{not json"); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll = %d entries, want 1", len(all))
	}
	if all["good"].APIKey != "k1" {
		t.Errorf("good entry = %+v", all["good"])
	}
}

func TestKeychainStore_GetAllSkipsIndexedButMissing(t *testing.T) {
	store := newTestKeychainStore(t)

	store.Save("p1", ProviderCredential{APIKey: "k1"})
	store.Save("p2", ProviderCredential{APIKey: "k2"})
	keyring.Delete("mind-flayer-test", "p2")

	all, err := store.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAll = %d entries, want 1", len(all))
	}
}

func TestKeychainStore_ReservedName(t *testing.T) {
	store := newTestKeychainStore(t)
	err := store.Save(IndexAccount, ProviderCredential{APIKey: "k"})
	if !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("err = %v, want ErrInvalidCredential", err)
	}
}

// failingIndexVault wraps a vault and fails writes to the index secret.
type failingIndexVault struct {
	Vault
}

func (v failingIndexVault) Set(service, account, secret string) error {
	if account == IndexAccount {
		return errors.New("vault locked")
	}
	return v.Vault.Set(service, account, secret)
}

func TestKeychainStore_SaveRollsBackWhenIndexWriteFails(t *testing.T) {
	keyring.MockInit()
	store := NewKeychainStoreWithVault(failingIndexVault{systemVault{}}, "mind-flayer-test")

	if err := store.Save("p1", ProviderCredential{APIKey: "k1"}); err == nil {
		t.Fatal("expected error when index cannot be written")
	}
	if _, err := keyring.Get("mind-flayer-test", "p1"); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("entry should be rolled back, got err = %v", err)
	}
}

func TestKeychainStore_VaultUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	store := NewKeychainStoreWithVault(systemVault{}, "mind-flayer-test")

	if err := store.Save("p1", ProviderCredential{APIKey: "k1"}); err == nil {
		t.Error("expected Save to fail when the vault is unavailable")
	}
	if _, err := store.Get("p1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want a vault error distinct from ErrNotFound", err)
	}
}
