// Package syncengine keeps a user's local contact cache consistent with the
// remote document store. Every mutation is applied locally first and then
// confirmed remotely, either immediately or later through the persisted
// operation queue.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/numberguard/internal/connectivity"
	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/gateway"
	"github.com/agentworkforce/numberguard/internal/localstore"
)

const (
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultMaxRetries = 10
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrEmptyRecord    = errors.New("record needs a name or a number")
	ErrAlreadyStarted = errors.New("engine already started")
)

type ResultStatus string

const (
	StatusSynced ResultStatus = "synced"
	StatusQueued ResultStatus = "queued"
	// StatusPending rides on an add that is still in flight.
	StatusPending ResultStatus = "pending"
)

// Result is the immediate outcome of a mutation. The change is live locally
// whatever the status.
type Result struct {
	ID         string
	Status     ResultStatus
	RemoteErr  error
	StorageErr error
}

type Options struct {
	UserID    string
	Store     *localstore.Store
	Gateway   gateway.Gateway
	Monitor   *connectivity.Monitor
	Retry     *connectivity.RetryScheduler
	Retention time.Duration
	// MaxRetries only bounds rejected operations. Unavailable failures are
	// retried until retention.
	MaxRetries   int
	DisableBatch bool
	Logger       zerolog.Logger
	Now          func() time.Time
	OnChange     func([]contacts.Record)
}

type pendingAdd struct {
	dirty   bool
	deleted bool
}

type Engine struct {
	user    string
	store   *localstore.Store
	gw      gateway.Gateway
	monitor *connectivity.Monitor
	retry   *connectivity.RetryScheduler
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	records []contacts.Record
	// gen counts local mutations per record, keyed by recordKey.
	gen      map[string]uint64
	inflight map[string]*pendingAdd
	// aliases maps client ids to the remote ids they were replaced by.
	aliases map[string]string
	// tombstones are ids deleted locally; true once the remote confirmed.
	tombstones map[string]bool
	// fresh are ids confirmed since the last snapshot merge.
	fresh map[string]struct{}

	started     bool
	closed      bool
	drainCtx    context.Context
	cancel      context.CancelFunc
	stopMonitor func()
	unsubscribe func()

	drainMu    sync.Mutex
	background sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.Monitor == nil {
		opts.Monitor = connectivity.NewMonitor(true)
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		user:       opts.UserID,
		store:      opts.Store,
		gw:         opts.Gateway,
		monitor:    opts.Monitor,
		retry:      opts.Retry,
		opts:       opts,
		log:        opts.Logger.With().Str("user", opts.UserID).Logger(),
		now:        opts.Now,
		gen:        map[string]uint64{},
		inflight:   map[string]*pendingAdd{},
		aliases:    map[string]string{},
		tombstones: map[string]bool{},
		fresh:      map[string]struct{}{},
		drainCtx:   context.Background(),
	}
	e.records = e.store.Load(e.user)
	e.restoreLocked(e.store.ListQueue(e.user))
	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	subCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.drainCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	e.stopMonitor = e.monitor.Subscribe(e.onConnectivity)
	unsubscribe, err := e.gw.Subscribe(subCtx, e.user, e.onSnapshot, func(err error) {
		e.log.Warn().Err(err).Msg("snapshot subscription error")
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("snapshot subscription unavailable")
	} else {
		e.unsubscribe = unsubscribe
	}
	if e.monitor.Online() {
		e.kickDrain()
	}
	return nil
}

// Close waits for background drains but not for in-flight gateway calls.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.stopMonitor != nil {
		e.stopMonitor()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.background.Wait()
	return nil
}

func (e *Engine) Records() []contacts.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.records)
}

func (e *Engine) Search(term string) []contacts.Record {
	return contacts.Filter(e.Records(), term)
}

type Status struct {
	UserID       string
	Online       bool
	Records      int
	Unsynced     int
	InFlight     int
	Queued       int
	OldestQueued time.Time
	Errors       []contacts.SyncError
}

func (e *Engine) Status() Status {
	queue := e.store.ListQueue(e.user)
	e.mu.Lock()
	st := Status{
		UserID:   e.user,
		Online:   e.monitor.Online(),
		Records:  len(e.records),
		InFlight: len(e.inflight),
		Queued:   len(queue),
	}
	for _, r := range e.records {
		if !r.Synced {
			st.Unsynced++
		}
	}
	e.mu.Unlock()
	for _, op := range queue {
		if st.OldestQueued.IsZero() || op.CreatedAt.Before(st.OldestQueued) {
			st.OldestQueued = op.CreatedAt
		}
	}
	st.Errors = e.store.ListErrors(e.user)
	return st
}

func (e *Engine) Errors() []contacts.SyncError {
	return e.store.ListErrors(e.user)
}

func (e *Engine) ClearErrors() error {
	return e.store.ClearAllErrors(e.user)
}

func (e *Engine) onConnectivity(ev connectivity.Event) {
	switch ev.Kind {
	case connectivity.WentOnline:
		e.log.Info().Msg("online, draining queue")
		e.kickDrain()
	case connectivity.SyncRequested:
		if e.monitor.Online() {
			e.kickDrain()
		}
	case connectivity.WentOffline:
		e.log.Info().Msg("offline")
	}
}

func (e *Engine) onSnapshot(records []contacts.Record) {
	if err := e.MergeRemoteSnapshot(records); err != nil {
		e.log.Warn().Err(err).Msg("snapshot merged but not persisted")
	}
}

func (e *Engine) kickDrain() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ctx := e.drainCtx
	e.background.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.background.Done()
		e.DrainQueue(ctx)
	}()
}

func (e *Engine) scheduleRetry() {
	if e.retry != nil {
		e.retry.Schedule()
	}
}

func (e *Engine) notify() {
	if e.opts.OnChange == nil {
		return
	}
	e.opts.OnChange(e.Records())
}

// recordKey stays the same for a record across id adoption: the client id
// once known, the id otherwise.
func recordKey(r contacts.Record) string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.ID
}

func (e *Engine) bumpLocked(r contacts.Record) uint64 {
	key := recordKey(r)
	e.gen[key]++
	return e.gen[key]
}

// indexLocked finds a record by id, by a client id it replaced, or by its
// own client id.
func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	alias := e.aliases[id]
	for i, r := range e.records {
		if r.ID == id || (alias != "" && r.ID == alias) || (r.ClientID != "" && r.ClientID == id) {
			return i
		}
	}
	return -1
}

func (e *Engine) targetsLocked(r contacts.Record, target string) bool {
	if target == "" {
		return false
	}
	return target == r.ID || (r.ClientID != "" && target == r.ClientID) || e.aliases[target] == r.ID
}

func (e *Engine) hasQueuedLocked(r contacts.Record, queue []contacts.Operation) bool {
	for _, op := range queue {
		if e.targetsLocked(r, op.TargetID) {
			return true
		}
	}
	return false
}

func (e *Engine) inflightLocked(r contacts.Record) *pendingAdd {
	if pa, ok := e.inflight[r.ID]; ok {
		return pa
	}
	if r.ClientID != "" {
		if pa, ok := e.inflight[r.ClientID]; ok {
			return pa
		}
	}
	return nil
}

// adoptLocked replaces a client id with the id the remote store assigned.
func (e *Engine) adoptLocked(localID, remoteID string) {
	if remoteID == "" {
		return
	}
	e.aliases[localID] = remoteID
	i := e.indexLocked(localID)
	if i < 0 {
		return
	}
	rec := &e.records[i]
	if rec.ClientID == "" {
		rec.ClientID = localID
	}
	if rec.ID != remoteID {
		if rec.ID != localID {
			e.aliases[rec.ID] = remoteID
		}
		rec.ID = remoteID
		e.fresh[remoteID] = struct{}{}
	}
	kept := e.records[:0]
	for j, r := range e.records {
		if j != i && r.ID == remoteID {
			continue
		}
		kept = append(kept, r)
	}
	e.records = kept
}

// markSyncedLocked flags the record synced unless it changed after gen was
// taken or still has work queued or in flight. It reports the outcome.
func (e *Engine) markSyncedLocked(id string, gen uint64, queue []contacts.Operation) bool {
	i := e.indexLocked(id)
	if i < 0 {
		return false
	}
	rec := &e.records[i]
	if rec.Synced {
		return true
	}
	if e.gen[recordKey(*rec)] != gen || e.inflightLocked(*rec) != nil || e.hasQueuedLocked(*rec, queue) {
		return false
	}
	rec.Synced = true
	return true
}

// restoreLocked rebuilds aliases from persisted records and tombstones from
// queued deletes. Both are otherwise lost with the previous session.
func (e *Engine) restoreLocked(queue []contacts.Operation) {
	for _, r := range e.records {
		if r.ClientID == "" || r.ClientID == r.ID {
			continue
		}
		if _, ok := e.aliases[r.ClientID]; !ok {
			e.aliases[r.ClientID] = r.ID
		}
	}
	for _, op := range queue {
		if op.Kind != contacts.OpDelete {
			continue
		}
		for _, id := range []string{op.TargetID, e.aliases[op.TargetID]} {
			if id == "" {
				continue
			}
			if _, ok := e.tombstones[id]; !ok {
				e.tombstones[id] = false
			}
		}
	}
}

func (e *Engine) tombstoneLocked(r contacts.Record, confirmed bool) {
	e.tombstones[r.ID] = confirmed
	if r.ClientID != "" {
		e.tombstones[r.ClientID] = confirmed
	}
	for from, to := range e.aliases {
		if to == r.ID {
			e.tombstones[from] = confirmed
		}
	}
}

func (e *Engine) confirmDeleteLocked(target string) {
	if _, ok := e.tombstones[target]; ok {
		e.tombstones[target] = true
	}
	if alias, ok := e.aliases[target]; ok {
		if _, ok := e.tombstones[alias]; ok {
			e.tombstones[alias] = true
		}
	}
	for from, to := range e.aliases {
		if to == target {
			if _, ok := e.tombstones[from]; ok {
				e.tombstones[from] = true
			}
		}
	}
}

func (e *Engine) persistLocked() error {
	if err := e.store.Save(e.user, e.records); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist records")
		return err
	}
	return nil
}

// queueLocked enqueues op and, when the remote refused or failed it,
// remembers the failure.
func (e *Engine) queueLocked(op contacts.Operation, cause error) error {
	err := e.store.Enqueue(e.user, op)
	if cause != nil {
		e.log.Info().Err(cause).Str("op", op.ID).Str("kind", string(op.Kind)).Str("id", op.TargetID).Msg("change queued after remote failure")
		if rerr := e.store.RecordError(e.user, op.ID, cause); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	if err != nil {
		return fmt.Errorf("queue %s operation: %w", op.Kind, err)
	}
	return nil
}

func cloneAll(records []contacts.Record) []contacts.Record {
	out := make([]contacts.Record, len(records))
	for i, r := range records {
		out[i] = contacts.Clone(r)
	}
	return out
}
