package contacts

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Filter returns the records matching term, preserving order. An empty or
// blank term matches everything.
func Filter(records []Record, term string) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if Matches(r, term) {
			out = append(out, Clone(r))
		}
	}
	return out
}

// Matches reports whether term occurs in the record's name, number, note or
// any tag, either directly or through Banglish/Bangla transliteration.
func Matches(r Record, term string) bool {
	if strings.TrimSpace(term) == "" {
		return true
	}
	q := newQuery(term)
	if q.match(r.Name) || q.match(r.Number) || q.match(r.Note) {
		return true
	}
	for _, tag := range r.Tags {
		if q.match(tag) {
			return true
		}
	}
	return false
}

type query struct {
	folded        string
	asBangla      string
	asBanglishFld string
}

func newQuery(term string) query {
	return query{
		folded:        fold(term),
		asBangla:      norm.NFC.String(ToBangla(term)),
		asBanglishFld: fold(ToBanglish(norm.NFC.String(term))),
	}
}

func (q query) match(text string) bool {
	if text == "" {
		return false
	}
	folded := fold(text)
	if strings.Contains(folded, q.folded) {
		return true
	}
	if q.asBangla != "" && strings.Contains(norm.NFC.String(text), q.asBangla) {
		return true
	}
	if strings.Contains(fold(ToBanglish(norm.NFC.String(text))), q.folded) {
		return true
	}
	return q.asBanglishFld != "" && strings.Contains(folded, q.asBanglishFld)
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}
