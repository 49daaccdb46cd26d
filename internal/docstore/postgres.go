package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

const (
	postgresTableName        = "numberguard_documents"
	postgresNotifyChannel    = "numberguard_documents_changed"
	postgresOperationTimeout = 5 * time.Second
	postgresListenerMinRetry = 10 * time.Millisecond
	postgresListenerMaxRetry = time.Minute
	postgresListenerPing     = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores documents in a single table keyed by (owner, id). Commits
// run in one transaction and publish the owner on a NOTIFY channel, which
// Watch turns back into change signals through a pq.Listener.
type Postgres struct {
	dsn       string
	tableName string
	channel   string
	openDB    sqlOpenFunc
	newID     func() string

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
	hub        *hub
	done       chan struct{}
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalid)
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTableName,
		channel:   postgresNotifyChannel,
		openDB:    sql.Open,
		newID:     uuid.NewString,
		hub:       newHub(),
		done:      make(chan struct{}),
	}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(p.tableName)
		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner TEXT NOT NULL,
				id TEXT NOT NULL,
				client_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				number TEXT NOT NULL,
				note TEXT NOT NULL DEFAULT '',
				tags TEXT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (owner, id)
			)`, table)
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (owner, client_id)",
			postgresQuoteIdentifier(p.tableName+"_owner_client_idx"),
			table,
		)
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) Create(ctx context.Context, owner string, r contacts.Record) (string, error) {
	return createOne(ctx, p, owner, r)
}

func (p *Postgres) Update(ctx context.Context, owner, target string, patch contacts.Patch) error {
	_, err := p.Commit(ctx, owner, []Mutation{{Kind: contacts.OpUpdate, Target: target, Patch: &patch}})
	return unwrapMutation(err)
}

func (p *Postgres) Delete(ctx context.Context, owner, target string) error {
	_, err := p.Commit(ctx, owner, []Mutation{{Kind: contacts.OpDelete, Target: target}})
	return unwrapMutation(err)
}

func (p *Postgres) Commit(ctx context.Context, owner string, muts []Mutation) ([]string, error) {
	for i, mut := range muts {
		if err := validateMutation(owner, mut); err != nil {
			return nil, &MutationError{Index: i, Err: err}
		}
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresOwnerLockKey(p.tableName, owner)); err != nil {
		return nil, err
	}
	ids := make([]string, len(muts))
	for i, mut := range muts {
		id, err := p.apply(ctx, tx, owner, mut)
		if err != nil {
			return nil, &MutationError{Index: i, Err: err}
		}
		ids[i] = id
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, owner); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return ids, nil
}

func (p *Postgres) apply(ctx context.Context, tx *sql.Tx, owner string, mut Mutation) (string, error) {
	table := postgresQuoteIdentifier(p.tableName)
	switch mut.Kind {
	case contacts.OpAdd:
		if key := clientKey(*mut.Record); key != "" {
			id, err := p.resolve(ctx, tx, owner, key)
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return "", err
			}
		}
		id := p.newID()
		doc := newDocument(*mut.Record, id, time.Now())
		query := fmt.Sprintf(`
			INSERT INTO %s (owner, id, client_id, name, number, note, tags, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`, table)
		_, err := tx.ExecContext(ctx, query, owner, doc.ID, doc.ClientID, doc.Name, doc.Number, doc.Note, pq.Array(doc.Tags), doc.CreatedAt)
		return id, err
	case contacts.OpUpdate:
		id, err := p.resolve(ctx, tx, owner, mut.Target)
		if err != nil {
			return "", err
		}
		if mut.Patch == nil || mut.Patch.IsZero() {
			return id, nil
		}
		current, err := p.get(ctx, tx, owner, id)
		if err != nil {
			return "", err
		}
		next := mut.Patch.Apply(current)
		query := fmt.Sprintf(`
			UPDATE %s SET name = $3, number = $4, note = $5, tags = $6, updated_at = NOW()
			WHERE owner = $1 AND id = $2`, table)
		_, err = tx.ExecContext(ctx, query, owner, id, next.Name, next.Number, next.Note, pq.Array(contacts.Normalize(next).Tags))
		return id, err
	default:
		id, err := p.resolve(ctx, tx, owner, mut.Target)
		if err != nil {
			return "", err
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE owner = $1 AND id = $2", table)
		_, err = tx.ExecContext(ctx, query, owner, id)
		return id, err
	}
}

func (p *Postgres) resolve(ctx context.Context, tx *sql.Tx, owner, target string) (string, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE owner = $1 AND (id = $2 OR client_id = $2)
		ORDER BY (id = $2) DESC
		LIMIT 1`, postgresQuoteIdentifier(p.tableName))
	var id string
	err := tx.QueryRowContext(ctx, query, owner, target).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (p *Postgres) get(ctx context.Context, tx *sql.Tx, owner, id string) (contacts.Record, error) {
	query := fmt.Sprintf(`
		SELECT id, client_id, name, number, note, tags, created_at
		FROM %s WHERE owner = $1 AND id = $2`, postgresQuoteIdentifier(p.tableName))
	return scanDocument(tx.QueryRowContext(ctx, query, owner, id))
}

func (p *Postgres) List(ctx context.Context, owner string) ([]contacts.Record, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, client_id, name, number, note, tags, created_at
		FROM %s WHERE owner = $1
		ORDER BY created_at DESC, id ASC`, postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]contacts.Record, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	contacts.SortNewestFirst(out)
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (contacts.Record, error) {
	var doc contacts.Record
	var tags pq.StringArray
	err := row.Scan(&doc.ID, &doc.ClientID, &doc.Name, &doc.Number, &doc.Note, &tags, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contacts.Record{}, ErrNotFound
	}
	if err != nil {
		return contacts.Record{}, err
	}
	doc.Tags = []string(tags)
	doc.Synced = true
	return contacts.Normalize(doc), nil
}

// Watch starts the shared LISTEN connection on first use.
func (p *Postgres) Watch(ctx context.Context, owner string) (<-chan struct{}, func(), error) {
	p.listenOnce.Do(func() {
		listener := pq.NewListener(p.dsn, postgresListenerMinRetry, postgresListenerMaxRetry, nil)
		if err := listener.Listen(p.channel); err != nil {
			_ = listener.Close()
			p.listenErr = err
			return
		}
		p.listener = listener
		go p.dispatch(listener)
	})
	if p.listenErr != nil {
		return nil, nil, p.listenErr
	}
	ch, cancel := p.hub.add(ctx, owner)
	return ch, cancel, nil
}

func (p *Postgres) dispatch(listener *pq.Listener) {
	ticker := time.NewTicker(postgresListenerPing)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// A nil notification means the connection was re-established and
			// events may have been missed.
			if n == nil {
				p.hub.notifyAll()
				continue
			}
			p.hub.notify(n.Extra)
		case <-ticker.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

func (p *Postgres) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	var errs []error
	if p.listener != nil {
		errs = append(errs, p.listener.Close())
	}
	if p.db != nil {
		errs = append(errs, p.db.Close())
	}
	return errors.Join(errs...)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresOwnerLockKey(tableName, owner string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(owner))
	return int64(hasher.Sum64())
}
