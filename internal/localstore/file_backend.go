package localstore

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	fileSuffix   = ".json"
	lockFileName = ".lock"
)

// FileBackend keeps one file per key under Dir. Writes go through a temp file
// and a rename so a crash never leaves a half-written value behind, and every
// call holds an advisory lock on Dir/.lock so two processes sharing a
// directory do not interleave read-modify-write cycles on the quota.
type FileBackend struct {
	Dir   string
	quota int64
}

func NewFileBackend(dir string, quotaBytes int64) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidDSN)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{Dir: dir, quota: quotaBytes}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.Dir, url.PathEscape(key)+fileSuffix)
}

func (b *FileBackend) Get(key string) ([]byte, bool, error) {
	unlock, err := lockDir(b.Dir, false)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBackend) Put(key string, value []byte) error {
	unlock, err := lockDir(b.Dir, true)
	if err != nil {
		return err
	}
	defer unlock()
	if b.quota > 0 {
		total, err := b.usageExcluding(key)
		if err != nil {
			return err
		}
		if total+entrySize(key, value) > b.quota {
			return ErrQuotaExceeded
		}
	}
	target := b.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (b *FileBackend) Delete(key string) error {
	unlock, err := lockDir(b.Dir, true)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Keys(prefix string) ([]string, error) {
	unlock, err := lockDir(b.Dir, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	keys, err := b.keysLocked()
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *FileBackend) keysLocked() ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) usageExcluding(skip string) (int64, error) {
	keys, err := b.keysLocked()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		if k == skip {
			continue
		}
		info, err := os.Stat(b.path(k))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += int64(len(k)) + info.Size()
	}
	return total, nil
}
