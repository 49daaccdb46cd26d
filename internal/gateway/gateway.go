// Package gateway is the client side of the remote document store. Every
// implementation reports failures as *Error values classified as either
// unavailable (retry later) or rejected (the store refused the request).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/docstore"
)

var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteRejected    = errors.New("remote rejected")
	// ErrNotFound is a rejection: errors.Is(err, ErrRemoteRejected) holds too.
	ErrNotFound = errors.New("remote document not found")
)

type Error struct {
	Op         string
	Kind       error
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d", e.StatusCode)
		if e.Code != "" {
			b.WriteString(" " + e.Code)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrNotFound && target == ErrRemoteRejected
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome is the result of one operation of a committed batch.
type Outcome struct {
	OperationID string
	RemoteID    string
}

type Gateway interface {
	Create(ctx context.Context, userID string, r contacts.Record) (string, error)
	Update(ctx context.Context, userID, id string, p contacts.Patch) error
	Delete(ctx context.Context, userID, id string) error
	// CommitBatch applies all operations or none. A non-nil error means no
	// operation took effect.
	CommitBatch(ctx context.Context, userID string, ops []contacts.Operation) ([]Outcome, error)
	// Subscribe pushes the full record set for userID whenever it changes,
	// starting with the current one. It stops when ctx is done or the
	// returned function is called; no callback runs after that returns.
	Subscribe(ctx context.Context, userID string, onSnapshot func([]contacts.Record), onError func(error)) (func(), error)
}

// Open selects an implementation by DSN: http(s):// talks to a numberguard
// document service, anything else is handed to docstore.Open and used
// directly.
func Open(dsn, token string) (Gateway, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewHTTPClient(dsn, token, nil), nil
	default:
		store, err := docstore.Open(dsn)
		if err != nil {
			return nil, err
		}
		return NewDirect(store), nil
	}
}

// IsRejected reports whether err is a permanent refusal rather than a
// transient failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRemoteRejected)
}

func mutationFor(op contacts.Operation) docstore.Mutation {
	m := docstore.Mutation{Kind: op.Kind, Target: op.TargetID}
	switch op.Kind {
	case contacts.OpAdd:
		if op.Record != nil {
			rec := contacts.Clone(*op.Record)
			m.Record = &rec
		}
		m.Target = ""
	case contacts.OpUpdate:
		m.Patch = op.Patch
	}
	return m
}

func outcomesFor(ops []contacts.Operation, ids []string) []Outcome {
	out := make([]Outcome, len(ops))
	for i, op := range ops {
		out[i] = Outcome{OperationID: op.ID}
		if i < len(ids) {
			out[i].RemoteID = ids[i]
		}
	}
	return out
}
