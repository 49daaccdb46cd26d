// Package docstore is the authoritative remote contact collection: a flat set
// of documents per owner with single and batched mutations and a change feed.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrInvalid  = errors.New("invalid document")
)

// Mutation is one entry of an atomic batch. Target resolves against either the
// document id or the client id the document was created with.
type Mutation struct {
	Kind   contacts.OpKind  `json:"type"`
	Target string           `json:"target,omitempty"`
	Record *contacts.Record `json:"record,omitempty"`
	Patch  *contacts.Patch  `json:"patch,omitempty"`
}

// MutationError reports which batch entry made Commit fail.
type MutationError struct {
	Index int
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %d: %v", e.Index, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

type Store interface {
	Create(ctx context.Context, owner string, r contacts.Record) (string, error)
	Update(ctx context.Context, owner, target string, p contacts.Patch) error
	Delete(ctx context.Context, owner, target string) error
	// Commit applies every mutation or none. It returns the document id each
	// mutation resolved to, in order.
	Commit(ctx context.Context, owner string, muts []Mutation) ([]string, error)
	List(ctx context.Context, owner string) ([]contacts.Record, error)
	// Watch signals on the returned channel whenever owner's collection may
	// have changed. Signals are coalesced; the receiver is expected to List.
	Watch(ctx context.Context, owner string) (<-chan struct{}, func(), error)
	Close() error
}

// Open builds a store from a DSN: memory:// or postgres://.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported docstore scheme: %s", parsed.Scheme)
	}
}

func createOne(ctx context.Context, s Store, owner string, r contacts.Record) (string, error) {
	ids, err := s.Commit(ctx, owner, []Mutation{{Kind: contacts.OpAdd, Record: &r}})
	if err != nil {
		return "", unwrapMutation(err)
	}
	return ids[0], nil
}

func unwrapMutation(err error) error {
	var mErr *MutationError
	if errors.As(err, &mErr) {
		return mErr.Err
	}
	return err
}

func validateMutation(owner string, m Mutation) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalid)
	}
	switch m.Kind {
	case contacts.OpAdd:
		if m.Record == nil {
			return fmt.Errorf("%w: missing record", ErrInvalid)
		}
		if strings.TrimSpace(m.Record.Name) == "" && strings.TrimSpace(m.Record.Number) == "" {
			return fmt.Errorf("%w: name or number required", ErrInvalid)
		}
	case contacts.OpUpdate, contacts.OpDelete:
		if strings.TrimSpace(m.Target) == "" {
			return fmt.Errorf("%w: missing target", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown mutation %q", ErrInvalid, m.Kind)
	}
	return nil
}

// newDocument turns a client record into the stored form. The client's own id
// is kept as ClientID so later mutations may still address it.
func newDocument(r contacts.Record, id string, now time.Time) contacts.Record {
	doc := contacts.Normalize(contacts.Clone(r))
	if doc.ClientID == "" {
		doc.ClientID = r.ID
	}
	doc.ID = id
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now.UTC()
	}
	doc.Synced = true
	return doc
}

// hub fans change signals out to watchers.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan struct{}
}

func newHub() *hub {
	return &hub{subs: map[string]map[int]chan struct{}{}}
}

func (h *hub) add(ctx context.Context, owner string) (<-chan struct{}, func()) {
	h.mu.Lock()
	h.next++
	id := h.next
	ch := make(chan struct{}, 1)
	if h.subs[owner] == nil {
		h.subs[owner] = map[int]chan struct{}{}
	}
	h.subs[owner][id] = ch
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[owner], id)
			if len(h.subs[owner]) == 0 {
				delete(h.subs, owner)
			}
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return ch, func() {
		stop()
		remove()
	}
}

func (h *hub) notify(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[owner] {
		signal(ch)
	}
}

func (h *hub) notifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for _, ch := range subs {
			signal(ch)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
