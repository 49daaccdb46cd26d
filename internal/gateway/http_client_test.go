package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/docstore"
	"github.com/agentworkforce/numberguard/internal/httpapi"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/users/u1/contacts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected a correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"remote-1"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	id, err := client.Create(context.Background(), "u1", contacts.Record{ID: "local-1", Name: "Rahim"})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if id != "remote-1" {
		t.Fatalf("expected remote-1, got %s", id)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	status := int32(http.StatusBadRequest)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(atomic.LoadInt32(&status))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		switch code {
		case http.StatusNotFound:
			_, _ = w.Write([]byte(`{"code":"not_found","message":"document not found"}`))
		default:
			_, _ = w.Write([]byte(`{"code":"invalid_document","message":"name or number required"}`))
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.SetRetryPolicy(1, time.Millisecond, time.Millisecond)

	err := client.Update(context.Background(), "u1", "x", contacts.Patch{})
	if !errors.Is(err, ErrRemoteRejected) || errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusBadRequest || gwErr.Code != "invalid_document" {
		t.Fatalf("expected status and code to be kept, got %+v", gwErr)
	}

	atomic.StoreInt32(&status, http.StatusNotFound)
	err = client.Delete(context.Background(), "u1", "x")
	if !errors.Is(err, ErrNotFound) || !IsRejected(err) {
		t.Fatalf("expected not found rejection, got %v", err)
	}

	atomic.StoreInt32(&status, http.StatusInternalServerError)
	err = client.Delete(context.Background(), "u1", "x")
	if !errors.Is(err, ErrRemoteUnavailable) || IsRejected(err) {
		t.Fatalf("expected unavailable after retries, got %v", err)
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := NewHTTPClient(baseURL, "token", nil)
	client.SetRetryPolicy(0, time.Millisecond, time.Millisecond)
	if _, err := client.List(context.Background(), "u1"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := client.Ping(context.Background()); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ping to fail, got %v", err)
	}
}

func TestHTTPClientAgainstServer(t *testing.T) {
	store := docstore.NewMemory()
	ts := httptest.NewServer(httpapi.NewServer(store))
	defer ts.Close()
	client := NewHTTPClient(ts.URL, mustToken(t, "u1"), ts.Client())
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	add := contacts.NewAddOperation(contacts.Record{ID: "local-1", Name: "Rahim", CreatedAt: time.Now().UTC()}, time.Now())
	name := "Rahim Uddin"
	update := contacts.NewUpdateOperation("local-1", contacts.Patch{Name: &name}, time.Now())
	outcomes, err := client.CommitBatch(ctx, "u1", []contacts.Operation{add, update})
	if err != nil {
		t.Fatalf("commit batch: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].OperationID != add.ID || outcomes[0].RemoteID == "" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}

	docs, err := client.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].Name != name || docs[0].ClientID != "local-1" {
		t.Fatalf("unexpected documents: %+v", docs)
	}

	bad := contacts.NewDeleteOperation("missing", time.Now())
	_, err = client.CommitBatch(ctx, "u1", []contacts.Operation{contacts.NewDeleteOperation(outcomes[0].RemoteID, time.Now()), bad})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if docs, _ := client.List(ctx, "u1"); len(docs) != 1 {
		t.Fatalf("expected failed batch to leave documents alone, got %+v", docs)
	}

	other := NewHTTPClient(ts.URL, mustToken(t, "u2"), ts.Client())
	if _, err := other.List(ctx, "u1"); !IsRejected(err) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
}

func TestHTTPClientSubscribe(t *testing.T) {
	store := docstore.NewMemory()
	ts := httptest.NewServer(httpapi.NewServer(store))
	defer ts.Close()
	client := NewHTTPClient(ts.URL, mustToken(t, "u1"), ts.Client())

	snapshots := make(chan []contacts.Record, 8)
	unsubscribe, err := client.Subscribe(context.Background(), "u1", func(records []contacts.Record) {
		snapshots <- records
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if got := nextSnapshot(t, snapshots); len(got) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", got)
	}
	if _, err := store.Create(context.Background(), "u1", contacts.Record{ID: "local-1", Name: "Rahim"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := nextSnapshot(t, snapshots); len(got) != 1 || got[0].ClientID != "local-1" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestHTTPClientSubscribeRejected(t *testing.T) {
	ts := httptest.NewServer(httpapi.NewServer(docstore.NewMemory()))
	defer ts.Close()
	client := NewHTTPClient(ts.URL, "not-a-token", ts.Client())

	errs := make(chan error, 1)
	unsubscribe, err := client.Subscribe(context.Background(), "u1", func([]contacts.Record) {
		t.Errorf("no snapshot expected")
	}, func(err error) {
		errs <- err
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case err := <-errs:
		if !IsRejected(err) {
			t.Fatalf("expected rejection, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected an error callback")
	}
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	client := NewHTTPClient("http://example.invalid", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms backoff on attempt 3, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected unparseable Retry-After to be ignored, got %s", got)
	}
}

func mustToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := httpapi.MintToken("dev-secret", subject, nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func nextSnapshot(t *testing.T, ch <-chan []contacts.Record) []contacts.Record {
	t.Helper()
	select {
	case records := <-ch:
		return records
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return nil
	}
}
