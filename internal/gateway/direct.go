package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/docstore"
)

// Direct talks to a docstore in-process.
type Direct struct {
	store docstore.Store
}

func NewDirect(store docstore.Store) *Direct {
	return &Direct{store: store}
}

func (d *Direct) Store() docstore.Store { return d.store }

func (d *Direct) Create(ctx context.Context, userID string, r contacts.Record) (string, error) {
	id, err := d.store.Create(ctx, userID, r)
	if err != nil {
		return "", classifyStoreError("create", err)
	}
	return id, nil
}

func (d *Direct) Update(ctx context.Context, userID, id string, p contacts.Patch) error {
	return classifyStoreError("update", d.store.Update(ctx, userID, id, p))
}

func (d *Direct) Delete(ctx context.Context, userID, id string) error {
	return classifyStoreError("delete", d.store.Delete(ctx, userID, id))
}

func (d *Direct) CommitBatch(ctx context.Context, userID string, ops []contacts.Operation) ([]Outcome, error) {
	muts := make([]docstore.Mutation, 0, len(ops))
	for _, op := range ops {
		muts = append(muts, mutationFor(op))
	}
	ids, err := d.store.Commit(ctx, userID, muts)
	if err != nil {
		return nil, classifyStoreError("commit", err)
	}
	return outcomesFor(ops, ids), nil
}

func (d *Direct) Subscribe(ctx context.Context, userID string, onSnapshot func([]contacts.Record), onError func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	changes, stop, err := d.store.Watch(ctx, userID)
	if err != nil {
		cancel()
		return nil, classifyStoreError("subscribe", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		push := func() {
			docs, err := d.store.List(ctx, userID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if onError != nil {
					onError(classifyStoreError("list", err))
				}
				return
			}
			onSnapshot(docs)
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				push()
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func classifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	kind := ErrRemoteUnavailable
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		kind = ErrNotFound
	case errors.Is(err, docstore.ErrInvalid):
		kind = ErrRemoteRejected
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
