// Package localstore is the durable per-user cache: records, the pending
// operation queue and the most recent sync errors, each kept under its own
// key in a pluggable Backend.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

const (
	KeyPrefix       = "numberguard_"
	contactsPrefix  = KeyPrefix + "contacts_"
	queuePrefix     = KeyPrefix + "offline_queue_"
	errorsPrefix    = KeyPrefix + "sync_errors_"
	DefaultMaxErrs  = 5
	maxErrorMessage = 200
)

var ErrStorageWriteFailed = errors.New("storage write failed")

type Options struct {
	MaxErrors int
	Now       func() time.Time
	Logger    zerolog.Logger
}

type Store struct {
	backend   Backend
	maxErrors int
	now       func() time.Time
	log       zerolog.Logger

	// mu serializes read-modify-write cycles on the queue and error keys.
	mu sync.Mutex
}

type KeyUsage struct {
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
}

type Usage struct {
	TotalBytes int64      `json:"totalBytes"`
	Keys       []KeyUsage `json:"keys"`
}

func NewStore(backend Backend) *Store {
	return NewStoreWithOptions(backend, Options{Logger: zerolog.Nop()})
}

func NewStoreWithOptions(backend Backend, opts Options) *Store {
	if backend == nil {
		backend = NewMemoryBackend(0)
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrs
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:   backend,
		maxErrors: opts.MaxErrors,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func ContactsKey(userID string) string { return contactsPrefix + userID }
func QueueKey(userID string) string    { return queuePrefix + userID }
func ErrorsKey(userID string) string   { return errorsPrefix + userID }

// Load never fails: missing or unreadable data yields no records.
func (s *Store) Load(userID string) []contacts.Record {
	var compact []contacts.Compact
	if !s.readJSON(ContactsKey(userID), &compact) {
		return []contacts.Record{}
	}
	records := contacts.DecodeAll(compact)
	for i := range records {
		records[i] = contacts.Normalize(records[i])
	}
	contacts.SortNewestFirst(records)
	return records
}

func (s *Store) Save(userID string, records []contacts.Record) error {
	return s.writeJSON(ContactsKey(userID), contacts.EncodeAll(records))
}

func (s *Store) ListQueue(userID string) []contacts.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listQueueLocked(userID)
}

func (s *Store) Enqueue(userID string, op contacts.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := append(s.listQueueLocked(userID), op)
	return s.writeJSON(QueueKey(userID), queue)
}

func (s *Store) ReplaceQueue(userID string, ops []contacts.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceQueueLocked(userID, ops)
}

// UpdateQueue runs fn under the queue lock.
func (s *Store) UpdateQueue(userID string, fn func([]contacts.Operation) []contacts.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceQueueLocked(userID, fn(s.listQueueLocked(userID)))
}

func (s *Store) PurgeStaleOperations(userID string, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.listQueueLocked(userID)
	cutoff := s.now().Add(-maxAge)
	kept := make([]contacts.Operation, 0, len(queue))
	for _, op := range queue {
		if op.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, op)
	}
	purged := len(queue) - len(kept)
	if purged == 0 {
		return 0, nil
	}
	if err := s.replaceQueueLocked(userID, kept); err != nil {
		return 0, err
	}
	s.log.Info().Str("user", userID).Int("purged", purged).Msg("purged stale operations")
	return purged, nil
}

func (s *Store) listQueueLocked(userID string) []contacts.Operation {
	var queue []contacts.Operation
	if !s.readJSON(QueueKey(userID), &queue) || queue == nil {
		return []contacts.Operation{}
	}
	return queue
}

func (s *Store) replaceQueueLocked(userID string, ops []contacts.Operation) error {
	if len(ops) == 0 {
		return s.delete(QueueKey(userID))
	}
	return s.writeJSON(QueueKey(userID), ops)
}

// RecordError keeps only the most recent failures.
func (s *Store) RecordError(userID, opID string, cause error) error {
	if cause == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.errorsLocked(userID)
	errs[opID] = contacts.SyncError{
		OperationID: opID,
		Message:     truncateRunes(cause.Error(), maxErrorMessage),
		Timestamp:   s.now().UTC(),
	}
	for len(errs) > s.maxErrors {
		delete(errs, oldestError(errs))
	}
	return s.writeJSON(ErrorsKey(userID), errs)
}

func (s *Store) ClearError(userID, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.errorsLocked(userID)
	if _, ok := errs[opID]; !ok {
		return nil
	}
	delete(errs, opID)
	if len(errs) == 0 {
		return s.delete(ErrorsKey(userID))
	}
	return s.writeJSON(ErrorsKey(userID), errs)
}

func (s *Store) ClearAllErrors(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ErrorsKey(userID))
}

func (s *Store) ListErrors(userID string) []contacts.SyncError {
	s.mu.Lock()
	errs := s.errorsLocked(userID)
	s.mu.Unlock()
	out := make([]contacts.SyncError, 0, len(errs))
	for _, e := range errs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

func (s *Store) errorsLocked(userID string) map[string]contacts.SyncError {
	errs := map[string]contacts.SyncError{}
	if !s.readJSON(ErrorsKey(userID), &errs) || errs == nil {
		return map[string]contacts.SyncError{}
	}
	return errs
}

func oldestError(errs map[string]contacts.SyncError) string {
	var oldest string
	var oldestAt time.Time
	for id, e := range errs {
		if oldest == "" || e.Timestamp.Before(oldestAt) || (e.Timestamp.Equal(oldestAt) && id < oldest) {
			oldest, oldestAt = id, e.Timestamp
		}
	}
	return oldest
}

func (s *Store) Usage() (Usage, error) {
	keys, err := s.backend.Keys(KeyPrefix)
	if err != nil {
		return Usage{}, err
	}
	usage := Usage{Keys: make([]KeyUsage, 0, len(keys))}
	for _, key := range keys {
		value, ok, err := s.backend.Get(key)
		if err != nil {
			return Usage{}, err
		}
		if !ok {
			continue
		}
		size := entrySize(key, value)
		usage.Keys = append(usage.Keys, KeyUsage{Key: key, Bytes: size})
		usage.TotalBytes += size
	}
	return usage, nil
}

// ClearAll removes every numberguard key for every user.
func (s *Store) ClearAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.backend.Keys(KeyPrefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.delete(key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func (s *Store) readJSON(key string, dst any) bool {
	data, ok, err := s.backend.Get(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("read failed")
		return false
	}
	if !ok || len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("ignoring corrupt data")
		return false
	}
	return true
}

func (s *Store) writeJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorageWriteFailed, key, err)
	}
	if err := s.backend.Put(key, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageWriteFailed, key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	if err := s.backend.Delete(key); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorageWriteFailed, key, err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
