package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

type Memory struct {
	mu     sync.Mutex
	owners map[string]map[string]contacts.Record
	hub    *hub
	newID  func() string
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		owners: map[string]map[string]contacts.Record{},
		hub:    newHub(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, owner string, r contacts.Record) (string, error) {
	return createOne(ctx, m, owner, r)
}

func (m *Memory) Update(ctx context.Context, owner, target string, p contacts.Patch) error {
	_, err := m.Commit(ctx, owner, []Mutation{{Kind: contacts.OpUpdate, Target: target, Patch: &p}})
	return unwrapMutation(err)
}

func (m *Memory) Delete(ctx context.Context, owner, target string) error {
	_, err := m.Commit(ctx, owner, []Mutation{{Kind: contacts.OpDelete, Target: target}})
	return unwrapMutation(err)
}

// Commit applies the batch to a copy of the owner's collection and swaps it in
// only when every mutation succeeded.
func (m *Memory) Commit(ctx context.Context, owner string, muts []Mutation) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, mut := range muts {
		if err := validateMutation(owner, mut); err != nil {
			return nil, &MutationError{Index: i, Err: err}
		}
	}

	m.mu.Lock()
	docs := make(map[string]contacts.Record, len(m.owners[owner])+len(muts))
	for id, doc := range m.owners[owner] {
		docs[id] = doc
	}
	ids := make([]string, len(muts))
	changed := false
	for i, mut := range muts {
		id, dirty, err := m.apply(docs, mut)
		if err != nil {
			m.mu.Unlock()
			return nil, &MutationError{Index: i, Err: err}
		}
		ids[i] = id
		changed = changed || dirty
	}
	m.owners[owner] = docs
	m.mu.Unlock()

	if changed {
		m.hub.notify(owner)
	}
	return ids, nil
}

func (m *Memory) apply(docs map[string]contacts.Record, mut Mutation) (string, bool, error) {
	switch mut.Kind {
	case contacts.OpAdd:
		if key := clientKey(*mut.Record); key != "" {
			if id, ok := resolve(docs, key); ok {
				return id, false, nil
			}
		}
		id := m.newID()
		docs[id] = newDocument(*mut.Record, id, m.now())
		return id, true, nil
	case contacts.OpUpdate:
		id, ok := resolve(docs, mut.Target)
		if !ok {
			return "", false, ErrNotFound
		}
		if mut.Patch != nil {
			docs[id] = mut.Patch.Apply(contacts.Clone(docs[id]))
		}
		return id, true, nil
	default:
		id, ok := resolve(docs, mut.Target)
		if !ok {
			return "", false, ErrNotFound
		}
		delete(docs, id)
		return id, true, nil
	}
}

func (m *Memory) List(ctx context.Context, owner string) ([]contacts.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contacts.Record, 0, len(m.owners[owner]))
	for _, doc := range m.owners[owner] {
		out = append(out, contacts.Clone(doc))
	}
	contacts.SortNewestFirst(out)
	return out, nil
}

func (m *Memory) Watch(ctx context.Context, owner string) (<-chan struct{}, func(), error) {
	ch, cancel := m.hub.add(ctx, owner)
	return ch, cancel, nil
}

func (m *Memory) Close() error { return nil }

// clientKey is the id a client used for a record before the store assigned
// one, which makes repeated creates of the same record idempotent.
func clientKey(r contacts.Record) string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.ID
}

func resolve(docs map[string]contacts.Record, target string) (string, bool) {
	if _, ok := docs[target]; ok {
		return target, true
	}
	for id, doc := range docs {
		if doc.ClientID != "" && doc.ClientID == target {
			return id, true
		}
	}
	return "", false
}
