package localstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://", 0)
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if err := backend.Put("k", []byte("v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	value, ok, err := backend.Get("k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("expected v, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestBuildBackendFromDSNFilePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	backend, err := BuildBackendFromDSN("file://"+dir, 0)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if err := backend.Put("numberguard_contacts_u/1", []byte(`[]`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reopened, err := BuildBackendFromDSN(dir, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	value, ok, err := reopened.Get("numberguard_contacts_u/1")
	if err != nil || !ok || string(value) != "[]" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
	keys, err := reopened.Keys("numberguard_")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "numberguard_contacts_u/1" {
		t.Fatalf("expected one escaped key round trip, got %v", keys)
	}
	if _, err := os.Stat(filepath.Join(dir, "numberguard_contacts_u%2F1.json")); err != nil {
		t.Fatalf("expected key file on disk: %v", err)
	}
}

func TestBuildBackendFromDSNSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	backend, err := BuildBackendFromDSN("sqlite://"+path, 0)
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	for key, value := range map[string]string{
		"numberguard_contacts_u1": `[{"id":"a"}]`,
		"numberguard_contacts_u2": `[]`,
		"numberxguard":            `x`,
	} {
		if err := backend.Put(key, []byte(value)); err != nil {
			t.Fatalf("put %s failed: %v", key, err)
		}
	}
	if err := backend.Delete("numberguard_contacts_u2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := backend.(*SQLiteBackend).Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteBackend(path, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	value, ok, err := reopened.Get("numberguard_contacts_u1")
	if err != nil || !ok || string(value) != `[{"id":"a"}]` {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
	keys, err := reopened.Keys("numberguard_")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "numberguard_contacts_u1" {
		t.Fatalf("expected only the literal prefix to match, got %v", keys)
	}
	if _, ok, err := reopened.Get("numberguard_contacts_u2"); ok || err != nil {
		t.Fatalf("expected deleted key to stay gone, got ok=%v err=%v", ok, err)
	}
}

func TestStoreOverSQLiteBackend(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	store := NewStore(backend)
	defer store.Close()
	if err := store.Save("u1", []contacts.Record{{ID: "a", Name: "Rahim"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	records := store.Load("u1")
	if len(records) != 1 || records[0].Name != "Rahim" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFileBackendDeleteMissingKey(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	if err := backend.Delete("absent"); err != nil {
		t.Fatalf("deleting a missing key should succeed, got %v", err)
	}
	if _, ok, err := backend.Get("absent"); ok || err != nil {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
}

func TestBackendQuota(t *testing.T) {
	fileBackend, err := NewFileBackend(t.TempDir(), 20)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	sqliteBackend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "quota.db"), 20)
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	defer sqliteBackend.Close()
	backends := map[string]Backend{
		"memory": NewMemoryBackend(20),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
	}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			if err := backend.Put("a", []byte("0123456789")); err != nil {
				t.Fatalf("put within quota failed: %v", err)
			}
			if err := backend.Put("b", []byte("0123456789")); !errors.Is(err, ErrQuotaExceeded) {
				t.Fatalf("expected quota error, got %v", err)
			}
			if err := backend.Put("a", []byte("0123456789abcdefgh")); err != nil {
				t.Fatalf("overwriting the same key should only count once: %v", err)
			}
		})
	}
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	if _, err := BuildBackendFromDSN("redis://localhost", 0); !errors.Is(err, ErrInvalidDSN) {
		t.Fatalf("expected invalid dsn error, got %v", err)
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	var gotQuota int64
	RegisterBackendFactory("storetestcustom", func(dsn string, quotaBytes int64) (Backend, error) {
		gotQuota = quotaBytes
		return NewMemoryBackend(quotaBytes), nil
	})
	backend, err := BuildBackendFromDSN("storetestcustom://example", 42)
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend == nil || gotQuota != 42 {
		t.Fatalf("expected registered factory to receive quota 42, got %d", gotQuota)
	}
}
