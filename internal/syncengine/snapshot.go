package syncengine

import (
	"github.com/agentworkforce/numberguard/internal/contacts"
)

// MergeRemoteSnapshot folds an authoritative remote record set into the
// local one and persists the result. Unconfirmed local changes survive,
// local deletes still in progress stay deleted, and merging the same
// snapshot twice is a no-op. The returned error only concerns persistence.
func (e *Engine) MergeRemoteSnapshot(remote []contacts.Record) error {
	queue := e.store.ListQueue(e.user)
	e.mu.Lock()
	e.restoreLocked(queue)
	tombstones := make(map[string]struct{}, len(e.tombstones))
	for id := range e.tombstones {
		tombstones[id] = struct{}{}
	}
	merged, renames := contacts.Merge(e.records, remote, contacts.MergeOptions{
		Tombstones: tombstones,
		Retain:     e.fresh,
	})
	for _, rn := range renames {
		e.aliases[rn.From] = rn.To
	}

	present := make(map[string]struct{}, 2*len(remote))
	for _, r := range remote {
		present[r.ID] = struct{}{}
		if r.ClientID != "" {
			present[r.ClientID] = struct{}{}
		}
	}
	// A confirmation outlives one snapshot at most. Later snapshots without
	// the id mean it was deleted elsewhere.
	clear(e.fresh)
	for id, confirmed := range e.tombstones {
		if _, ok := present[id]; confirmed && !ok {
			delete(e.tombstones, id)
		}
	}

	e.records = merged
	err := e.persistLocked()
	e.mu.Unlock()

	e.log.Debug().Int("remote", len(remote)).Int("local", len(merged)).Int("renamed", len(renames)).Msg("merged remote snapshot")
	e.notify()
	return err
}
