// Package backup reads and writes the portable contact backup document.
package backup

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

const FormatVersion = "1.0"

var ErrImportFormatInvalid = errors.New("invalid backup file format")

//go:embed schema.json
var schemaJSON []byte

var schema struct {
	once sync.Once
	sch  *jsonschema.Schema
	err  error
}

type Document struct {
	Version      string    `json:"version"`
	ExportDate   time.Time `json:"exportDate"`
	ContactCount int       `json:"contactCount"`
	Contacts     []Entry   `json:"contacts"`
}

type Entry struct {
	Name      string    `json:"name"`
	Number    string    `json:"number"`
	Story     string    `json:"story"`
	Tags      []string  `json:"tags"`
	DateAdded time.Time `json:"date_added"`
}

// Export builds a backup of records. Ids and sync state are not part of the
// format.
func Export(records []contacts.Record, now time.Time) Document {
	doc := Document{
		Version:      FormatVersion,
		ExportDate:   now.UTC(),
		ContactCount: len(records),
		Contacts:     make([]Entry, 0, len(records)),
	}
	for _, r := range records {
		doc.Contacts = append(doc.Contacts, Entry{
			Name:      r.Name,
			Number:    r.Number,
			Story:     r.Note,
			Tags:      append([]string{}, r.Tags...),
			DateAdded: r.CreatedAt.UTC(),
		})
	}
	return doc
}

// Marshal renders doc as indented JSON.
func Marshal(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Parse validates data against the backup schema and decodes it. Any failure
// wraps ErrImportFormatInvalid.
func Parse(data []byte) (Document, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Document{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrImportFormatInvalid, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrImportFormatInvalid, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrImportFormatInvalid, err)
	}
	return doc, nil
}

// Draft is the record data an entry contributes on import.
func (e Entry) Draft() contacts.Draft {
	return contacts.Draft{
		Name:   e.Name,
		Number: e.Number,
		Note:   e.Story,
		Tags:   e.Tags,
	}
}

// IsDuplicate reports whether e matches an existing record by exact name or
// exact number. Empty fields never match.
func IsDuplicate(existing []contacts.Record, e Entry) bool {
	name, number := strings.TrimSpace(e.Name), strings.TrimSpace(e.Number)
	for _, r := range existing {
		if name != "" && r.Name == name {
			return true
		}
		if number != "" && r.Number == number {
			return true
		}
	}
	return false
}

func compiledSchema() (*jsonschema.Schema, error) {
	schema.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schema.err = fmt.Errorf("load backup schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource("backup.json", doc); err != nil {
			schema.err = fmt.Errorf("load backup schema: %w", err)
			return
		}
		schema.sch, schema.err = c.Compile("backup.json")
	})
	return schema.sch, schema.err
}
