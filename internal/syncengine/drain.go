package syncengine

import (
	"context"
	"errors"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/gateway"
)

// OpResult is what happened to one queued operation during a drain.
type OpResult struct {
	OperationID string
	Kind        contacts.OpKind
	TargetID    string
	RemoteID    string
	Err         error
	// Dropped means the operation was refused too often and left the queue
	// without being applied.
	Dropped bool
}

type DrainReport struct {
	Purged     int
	Attempted  int
	Succeeded  int
	Failed     int
	Dropped    int
	Batched    bool
	Results    []OpResult
	StorageErr error
}

// DrainQueue replays the queued operations in order. Drains never overlap.
// Stale operations are purged first; the rest are committed as one batch
// when possible and one by one when the batch is refused. Succeeded and
// dropped operations leave the queue, failed ones stay with their retry
// count raised.
func (e *Engine) DrainQueue(ctx context.Context) DrainReport {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var report DrainReport
	report.Purged, report.StorageErr = e.purgeStale()

	queue := e.store.ListQueue(e.user)
	if len(queue) == 0 {
		if e.retry != nil {
			e.retry.Reset()
		}
		return report
	}

	e.mu.Lock()
	gens := make(map[string]uint64, len(e.gen))
	for k, v := range e.gen {
		gens[k] = v
	}
	ops := make([]contacts.Operation, len(queue))
	for i, op := range queue {
		if alias, ok := e.aliases[op.TargetID]; ok && op.Kind != contacts.OpAdd {
			op.TargetID = alias
		}
		ops[i] = op
	}
	e.mu.Unlock()

	results, batched := e.push(ctx, ops)
	report.Batched = batched
	report.Attempted = len(ops)

	succeeded := make(map[string]struct{})
	failed := make(map[string]struct{})
	dropped := make(map[string]struct{})

	e.mu.Lock()
	for i, op := range ops {
		r := &results[i]
		if r.Err == nil {
			succeeded[op.ID] = struct{}{}
			switch op.Kind {
			case contacts.OpAdd:
				e.adoptLocked(op.TargetID, r.RemoteID)
			case contacts.OpDelete:
				e.confirmDeleteLocked(op.TargetID)
			}
			continue
		}
		if gateway.IsRejected(r.Err) && op.RetryCount+1 >= e.opts.MaxRetries {
			r.Dropped = true
			dropped[op.ID] = struct{}{}
			if op.Kind == contacts.OpDelete {
				e.confirmDeleteLocked(op.TargetID)
			}
			continue
		}
		failed[op.ID] = struct{}{}
	}

	err := e.store.UpdateQueue(e.user, func(current []contacts.Operation) []contacts.Operation {
		kept := make([]contacts.Operation, 0, len(current))
		for _, op := range current {
			if _, ok := succeeded[op.ID]; ok {
				continue
			}
			if _, ok := dropped[op.ID]; ok {
				continue
			}
			if _, ok := failed[op.ID]; ok {
				op.RetryCount++
			}
			kept = append(kept, op)
		}
		return kept
	})
	report.StorageErr = errors.Join(report.StorageErr, err)

	remaining := e.store.ListQueue(e.user)
	for i, op := range ops {
		r := results[i]
		switch {
		case r.Err == nil:
			report.Succeeded++
			report.StorageErr = errors.Join(report.StorageErr, e.store.ClearError(e.user, op.ID))
			if op.Kind != contacts.OpDelete {
				target := op.TargetID
				if r.RemoteID != "" {
					target = r.RemoteID
				}
				if j := e.indexLocked(target); j >= 0 {
					e.markSyncedLocked(target, gens[recordKey(e.records[j])], remaining)
				}
			}
		case r.Dropped:
			report.Dropped++
			e.log.Warn().Err(r.Err).Str("op", op.ID).Str("kind", string(op.Kind)).Str("id", op.TargetID).Msg("dropping operation refused too often")
			report.StorageErr = errors.Join(report.StorageErr, e.store.RecordError(e.user, op.ID, r.Err))
		default:
			report.Failed++
			report.StorageErr = errors.Join(report.StorageErr, e.store.RecordError(e.user, op.ID, r.Err))
		}
	}
	report.StorageErr = errors.Join(report.StorageErr, e.persistLocked())
	e.mu.Unlock()

	report.Results = results
	e.log.Info().
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("dropped", report.Dropped).
		Bool("batched", report.Batched).
		Msg("queue drained")

	if report.Failed > 0 {
		e.scheduleRetry()
	} else if e.retry != nil && len(remaining) == 0 {
		e.retry.Reset()
	}
	e.notify()
	return report
}

// purgeStale drops operations past retention. Records they were carrying
// are handed back to the remote copy, so the next snapshot wins.
func (e *Engine) purgeStale() (int, error) {
	cutoff := e.now().Add(-e.opts.Retention)
	var stale []contacts.Operation
	for _, op := range e.store.ListQueue(e.user) {
		if op.CreatedAt.Before(cutoff) {
			stale = append(stale, op)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	purged, err := e.store.PurgeStaleOperations(e.user, e.opts.Retention)
	if err != nil || purged == 0 {
		return purged, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.store.ListQueue(e.user)
	for _, op := range stale {
		i := e.indexLocked(op.TargetID)
		if i < 0 {
			continue
		}
		rec := &e.records[i]
		if rec.Synced || e.inflightLocked(*rec) != nil || e.hasQueuedLocked(*rec, remaining) {
			continue
		}
		rec.Synced = true
	}
	return purged, e.persistLocked()
}

func (e *Engine) push(ctx context.Context, ops []contacts.Operation) ([]OpResult, bool) {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		results[i] = OpResult{OperationID: op.ID, Kind: op.Kind, TargetID: op.TargetID}
	}

	if len(ops) > 1 && !e.opts.DisableBatch {
		outcomes, err := e.gw.CommitBatch(ctx, e.user, ops)
		if err == nil {
			for i := range results {
				if i < len(outcomes) {
					results[i].RemoteID = outcomes[i].RemoteID
				}
			}
			return results, true
		}
		if !gateway.IsRejected(err) {
			for i := range results {
				results[i].Err = err
			}
			return results, true
		}
		e.log.Debug().Err(err).Int("ops", len(ops)).Msg("batch refused, pushing operations one by one")
	}

	for i, op := range ops {
		results[i].RemoteID, results[i].Err = e.pushOne(ctx, op)
	}
	return results, false
}

func (e *Engine) pushOne(ctx context.Context, op contacts.Operation) (string, error) {
	switch op.Kind {
	case contacts.OpAdd:
		if op.Record == nil {
			return "", &gateway.Error{Op: "create", Kind: gateway.ErrRemoteRejected, Message: "operation carries no record"}
		}
		return e.gw.Create(ctx, e.user, *op.Record)
	case contacts.OpUpdate:
		var p contacts.Patch
		if op.Patch != nil {
			p = *op.Patch
		}
		return "", e.gw.Update(ctx, e.user, op.TargetID, p)
	case contacts.OpDelete:
		err := e.gw.Delete(ctx, e.user, op.TargetID)
		if errors.Is(err, gateway.ErrNotFound) {
			return "", nil
		}
		return "", err
	default:
		return "", &gateway.Error{Op: string(op.Kind), Kind: gateway.ErrRemoteRejected, Message: "unknown operation kind"}
	}
}
