// Package contacts holds the contact domain model shared by the local cache,
// the remote document store and the sync engine: records, pending
// operations, the compact persisted codec, snapshot merging and search.
package contacts

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// Record is a single contact entry.
//
// ID is either client generated (see NewClientID) or assigned by the remote
// store. ClientID keeps the client-generated id once a remote id has been
// adopted so that both sides can correlate the two.
type Record struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	Name      string    `json:"name"`
	Number    string    `json:"number"`
	Note      string    `json:"story,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"date_added"`
	Synced    bool      `json:"synced"`
}

// Draft is the caller-supplied part of a new record.
type Draft struct {
	Name   string
	Number string
	Note   string
	Tags   []string
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name   *string   `json:"name,omitempty"`
	Number *string   `json:"number,omitempty"`
	Note   *string   `json:"story,omitempty"`
	Tags   *[]string `json:"tags,omitempty"`
}

func (p Patch) IsZero() bool {
	return p.Name == nil && p.Number == nil && p.Note == nil && p.Tags == nil
}

// Apply returns r with the patch fields applied.
func (p Patch) Apply(r Record) Record {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Number != nil {
		r.Number = *p.Number
	}
	if p.Note != nil {
		r.Note = *p.Note
	}
	if p.Tags != nil {
		r.Tags = append([]string{}, (*p.Tags)...)
	}
	return r
}

// FullPatch describes every mutable field of r.
func FullPatch(r Record) Patch {
	name, number, note := r.Name, r.Number, r.Note
	tags := append([]string{}, r.Tags...)
	return Patch{Name: &name, Number: &number, Note: &note, Tags: &tags}
}

// NewRecord builds a local-only record from a draft.
func NewRecord(d Draft, now time.Time) Record {
	id := NewClientID(now)
	return Normalize(Record{
		ID:        id,
		Name:      strings.TrimSpace(d.Name),
		Number:    strings.TrimSpace(d.Number),
		Note:      strings.TrimSpace(d.Note),
		Tags:      normalizeTags(d.Tags),
		CreatedAt: now,
	})
}

const clientIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewClientID returns "<unix millis><9 base36 chars>".
func NewClientID(now time.Time) string {
	var suffix [9]byte
	for i := range suffix {
		suffix[i] = clientIDAlphabet[rand.IntN(len(clientIDAlphabet))]
	}
	return fmt.Sprintf("%d%s", now.UnixMilli(), suffix[:])
}

// Normalize maps absent optional fields to their empty values.
func Normalize(r Record) Record {
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if !r.CreatedAt.IsZero() {
		r.CreatedAt = r.CreatedAt.UTC()
	}
	return r
}

// Clone returns a deep copy of r.
func Clone(r Record) Record {
	r.Tags = append([]string{}, r.Tags...)
	return r
}

// SortNewestFirst orders records by creation time, newest first. Ties are
// broken by id so the order is deterministic.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].CreatedAt, records[j].CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return records[i].ID < records[j].ID
	})
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
