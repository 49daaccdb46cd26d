package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationCommitAndList(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()

	rec := newRecord("client-1", "Rahim")
	rec.Tags = []string{"CNG", "বন্ধু"}
	id, err := store.Create(ctx, "u1", rec)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	again, err := store.Create(ctx, "u1", rec)
	if err != nil || again != id {
		t.Fatalf("expected idempotent create to return %q, got %q err=%v", id, again, err)
	}

	name := "Rahim Uddin"
	if err := store.Update(ctx, "u1", "client-1", contacts.Patch{Name: &name}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	docs, err := store.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != id || docs[0].Name != name || len(docs[0].Tags) != 2 || docs[0].ClientID != "client-1" {
		t.Fatalf("unexpected documents: %+v", docs)
	}

	_, err = store.Commit(ctx, "u1", []Mutation{
		{Kind: contacts.OpDelete, Target: id},
		{Kind: contacts.OpDelete, Target: "missing"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if docs, _ := store.List(ctx, "u1"); len(docs) != 1 {
		t.Fatalf("expected rollback to keep the document, got %+v", docs)
	}
}

func TestPostgresIntegrationWatch(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, stop, err := store.Watch(ctx, "u1")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stop()
	if _, err := store.Create(ctx, "u1", newRecord("client-1", "Rahim")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a change notification")
	}
}

func newPostgresIntegrationStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("NUMBERGUARD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set NUMBERGUARD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.tableName = fmt.Sprintf("numberguard_documents_it_%d_%d", time.Now().UnixNano(), n)
	store.channel = store.tableName
	t.Cleanup(func() {
		_ = store.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open postgres for cleanup failed: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(store.tableName)); err != nil {
			t.Fatalf("drop cleanup table failed: %v", err)
		}
	})
	return store
}
