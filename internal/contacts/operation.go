package contacts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is a local mutation that the remote store has not confirmed yet.
type Operation struct {
	ID         string
	Kind       OpKind
	TargetID   string
	Record     *Record
	Patch      *Patch
	CreatedAt  time.Time
	RetryCount int
}

type operationJSON struct {
	ID         string   `json:"id"`
	Kind       OpKind   `json:"type"`
	TargetID   string   `json:"contactId,omitempty"`
	Record     *Compact `json:"contactData,omitempty"`
	Patch      *Patch   `json:"patch,omitempty"`
	CreatedAt  string   `json:"timestamp"`
	RetryCount int      `json:"retryCount"`
}

func NewOperation(kind OpKind, targetID string, now time.Time) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetID:  targetID,
		CreatedAt: now.UTC(),
	}
}

func NewAddOperation(r Record, now time.Time) Operation {
	op := NewOperation(OpAdd, r.ID, now)
	rec := Clone(r)
	op.Record = &rec
	return op
}

func NewUpdateOperation(id string, p Patch, now time.Time) Operation {
	op := NewOperation(OpUpdate, id, now)
	op.Patch = &p
	return op
}

func NewDeleteOperation(id string, now time.Time) Operation {
	return NewOperation(OpDelete, id, now)
}

func (o Operation) MarshalJSON() ([]byte, error) {
	payload := operationJSON{
		ID:         o.ID,
		Kind:       o.Kind,
		TargetID:   o.TargetID,
		Patch:      o.Patch,
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339Nano),
		RetryCount: o.RetryCount,
	}
	if o.Record != nil {
		c := Encode(*o.Record)
		payload.Record = &c
	}
	return json.Marshal(payload)
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var payload operationJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	*o = Operation{
		ID:         payload.ID,
		Kind:       payload.Kind,
		TargetID:   payload.TargetID,
		Patch:      payload.Patch,
		RetryCount: payload.RetryCount,
	}
	if payload.Record != nil {
		rec := Decode(*payload.Record)
		o.Record = &rec
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload.CreatedAt); err == nil {
		o.CreatedAt = ts.UTC()
	}
	return nil
}

// SyncError is the last failure recorded for a queued operation.
type SyncError struct {
	OperationID string    `json:"operationId"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}
