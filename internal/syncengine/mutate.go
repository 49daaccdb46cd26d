package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/gateway"
)

// AddRecord inserts a new record locally and pushes it when online. Offline,
// or when the push fails, an add operation is queued instead.
func (e *Engine) AddRecord(ctx context.Context, d contacts.Draft) (Result, error) {
	if strings.TrimSpace(d.Name) == "" && strings.TrimSpace(d.Number) == "" {
		return Result{}, ErrEmptyRecord
	}
	now := e.now()
	rec := contacts.NewRecord(d, now)

	e.mu.Lock()
	e.records = append([]contacts.Record{rec}, e.records...)
	contacts.SortNewestFirst(e.records)
	gen := e.bumpLocked(rec)
	res := Result{ID: rec.ID, StorageErr: e.persistLocked()}

	if !e.monitor.Online() {
		res.Status = StatusQueued
		res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewAddOperation(rec, now), nil))
		e.mu.Unlock()
		e.scheduleRetry()
		e.notify()
		return res, nil
	}
	e.inflight[rec.ID] = &pendingAdd{}
	e.mu.Unlock()
	e.notify()

	remoteID, err := e.gw.Create(ctx, e.user, rec)
	res = e.finishAdd(ctx, rec.ID, gen, remoteID, err, res)
	e.notify()
	return res, nil
}

func (e *Engine) finishAdd(ctx context.Context, localID string, gen uint64, remoteID string, callErr error, res Result) Result {
	e.mu.Lock()
	pa := e.inflight[localID]
	delete(e.inflight, localID)
	if pa == nil {
		pa = &pendingAdd{}
	}

	if callErr != nil {
		res.Status, res.RemoteErr = StatusQueued, callErr
		// The create may still have landed; a delete by client id removes it
		// either way.
		op := contacts.NewDeleteOperation(localID, e.now())
		if !pa.deleted {
			if i := e.indexLocked(localID); i >= 0 {
				op = contacts.NewAddOperation(e.records[i], e.now())
			}
		}
		res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(op, callErr))
		e.mu.Unlock()
		e.scheduleRetry()
		return res
	}

	res.ID = remoteID
	if pa.deleted {
		e.aliases[localID] = remoteID
		e.tombstones[remoteID] = false
		e.mu.Unlock()
		err := e.gw.Delete(ctx, e.user, remoteID)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			res.Status, res.RemoteErr = StatusQueued, err
			res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewDeleteOperation(remoteID, e.now()), err))
			e.scheduleRetry()
			return res
		}
		e.confirmDeleteLocked(remoteID)
		res.Status = StatusSynced
		return res
	}

	e.adoptLocked(localID, remoteID)
	if pa.dirty {
		i := e.indexLocked(remoteID)
		if i < 0 {
			e.mu.Unlock()
			res.Status = StatusSynced
			return res
		}
		patch := contacts.FullPatch(e.records[i])
		gen = e.gen[recordKey(e.records[i])]
		res.StorageErr = errors.Join(res.StorageErr, e.persistLocked())
		e.mu.Unlock()

		err := e.gw.Update(ctx, e.user, remoteID, patch)

		e.mu.Lock()
		if err != nil {
			res.Status, res.RemoteErr = StatusQueued, err
			if e.indexLocked(remoteID) >= 0 {
				res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewUpdateOperation(remoteID, patch, e.now()), err))
			}
			e.mu.Unlock()
			e.scheduleRetry()
			return res
		}
	}
	res.Status = e.settleLocked(remoteID, gen)
	res.StorageErr = errors.Join(res.StorageErr, e.persistLocked())
	e.mu.Unlock()
	return res
}

// UpdateRecord applies p locally and pushes it when nothing else is queued
// for the record. Changes to a record whose add is still in flight are
// pushed once the add resolves.
func (e *Engine) UpdateRecord(ctx context.Context, id string, p contacts.Patch) (Result, error) {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec := p.Apply(e.records[i])
	if strings.TrimSpace(rec.Name) == "" && strings.TrimSpace(rec.Number) == "" {
		e.mu.Unlock()
		return Result{}, ErrEmptyRecord
	}
	rec.Synced = false
	e.records[i] = rec
	gen := e.bumpLocked(rec)
	res := Result{ID: rec.ID, StorageErr: e.persistLocked()}

	if pa := e.inflightLocked(rec); pa != nil {
		pa.dirty = true
		res.Status = StatusPending
		e.mu.Unlock()
		e.notify()
		return res, nil
	}

	online := e.monitor.Online()
	if !online || e.hasQueuedLocked(rec, e.store.ListQueue(e.user)) {
		res.Status = StatusQueued
		res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewUpdateOperation(rec.ID, p, e.now()), nil))
		e.mu.Unlock()
		e.notify()
		e.afterQueued(online)
		return res, nil
	}
	e.mu.Unlock()
	e.notify()

	err := e.gw.Update(ctx, e.user, rec.ID, p)

	e.mu.Lock()
	if err != nil {
		res.RemoteErr = err
		if e.indexLocked(rec.ID) < 0 {
			// Deleted meanwhile; the delete supersedes this change.
			res.Status = StatusPending
			e.mu.Unlock()
			return res, nil
		}
		res.Status = StatusQueued
		res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewUpdateOperation(rec.ID, p, e.now()), err))
		e.mu.Unlock()
		e.scheduleRetry()
		return res, nil
	}
	res.Status = e.settleLocked(rec.ID, gen)
	res.StorageErr = errors.Join(res.StorageErr, e.persistLocked())
	e.mu.Unlock()
	e.notify()
	return res, nil
}

// DeleteRecord removes a record locally and deletes it remotely when nothing
// else is queued for it. A missing remote document counts as deleted.
func (e *Engine) DeleteRecord(ctx context.Context, id string) (Result, error) {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec := e.records[i]
	e.records = append(e.records[:i:i], e.records[i+1:]...)
	delete(e.gen, recordKey(rec))
	e.tombstoneLocked(rec, false)
	res := Result{ID: rec.ID, StorageErr: e.persistLocked()}

	if pa := e.inflightLocked(rec); pa != nil {
		pa.deleted = true
		res.Status = StatusPending
		e.mu.Unlock()
		e.notify()
		return res, nil
	}

	online := e.monitor.Online()
	if !online || e.hasQueuedLocked(rec, e.store.ListQueue(e.user)) {
		res.Status = StatusQueued
		res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewDeleteOperation(rec.ID, e.now()), nil))
		e.mu.Unlock()
		e.notify()
		e.afterQueued(online)
		return res, nil
	}
	e.mu.Unlock()
	e.notify()

	err := e.gw.Delete(ctx, e.user, rec.ID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		res.Status, res.RemoteErr = StatusQueued, err
		res.StorageErr = errors.Join(res.StorageErr, e.queueLocked(contacts.NewDeleteOperation(rec.ID, e.now()), err))
		e.scheduleRetry()
		return res, nil
	}
	e.confirmDeleteLocked(rec.ID)
	res.Status = StatusSynced
	return res, nil
}

// afterQueued gets a queued change moving: a drain right away when online,
// a retry registration otherwise.
func (e *Engine) afterQueued(online bool) {
	if online {
		e.kickDrain()
		return
	}
	e.scheduleRetry()
}

// settleLocked marks the record synced if it is settled and reports the
// resulting status.
func (e *Engine) settleLocked(id string, gen uint64) ResultStatus {
	if e.markSyncedLocked(id, gen, e.store.ListQueue(e.user)) {
		return StatusSynced
	}
	if e.indexLocked(id) < 0 {
		return StatusSynced
	}
	return StatusPending
}
