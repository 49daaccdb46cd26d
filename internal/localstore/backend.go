package localstore

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrInvalidDSN    = errors.New("invalid storage dsn")
)

// Backend is a flat key/value byte store. Each call is atomic on its own.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

type BackendFactory func(dsn string, quotaBytes int64) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes a custom scheme available to BuildBackendFromDSN.
// Registered schemes take precedence over the built-in ones.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN opens a backend. Supported forms are memory://,
// file:///path/to/dir, sqlite:///path/to/store.db and a bare directory
// path. quotaBytes <= 0 disables the quota.
func BuildBackendFromDSN(dsn string, quotaBytes int64) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(quotaBytes), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn, quotaBytes)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(dir, quotaBytes)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path, quotaBytes)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(quotaBytes), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", fmt.Errorf("%w: missing path in %q", ErrInvalidDSN, raw)
	}
	return path, nil
}

type MemoryBackend struct {
	mu    sync.Mutex
	quota int64
	data  map[string][]byte
	// FailWrites makes every Put and Delete fail. Used to simulate a
	// broken storage medium.
	FailWrites bool
}

func NewMemoryBackend(quotaBytes int64) *MemoryBackend {
	return &MemoryBackend{quota: quotaBytes, data: map[string][]byte{}}
}

func (b *MemoryBackend) Get(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *MemoryBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites {
		return errors.New("memory backend: writes disabled")
	}
	if b.quota > 0 {
		var total int64
		for k, v := range b.data {
			if k != key {
				total += entrySize(k, v)
			}
		}
		if total+entrySize(key, value) > b.quota {
			return ErrQuotaExceeded
		}
	}
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites {
		return errors.New("memory backend: writes disabled")
	}
	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) Keys(prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// entrySize counts key and value bytes, the way browser storage quotas do.
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
