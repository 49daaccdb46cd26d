package contacts

import "time"

// Compact is the persisted form of a Record. Keys are kept short and
// optional fields are dropped when empty to keep the local cache small.
type Compact struct {
	I   string   `json:"i"`
	N   string   `json:"n"`
	Num string   `json:"num"`
	S   string   `json:"s,omitempty"`
	T   []string `json:"t,omitempty"`
	D   string   `json:"d,omitempty"`
	Sy  bool     `json:"sy,omitempty"`
	C   string   `json:"c,omitempty"`
}

func Encode(r Record) Compact {
	c := Compact{
		I:   r.ID,
		N:   r.Name,
		Num: r.Number,
		S:   r.Note,
		Sy:  r.Synced,
		C:   r.ClientID,
	}
	if len(r.Tags) > 0 {
		c.T = append([]string(nil), r.Tags...)
	}
	if !r.CreatedAt.IsZero() {
		c.D = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return c
}

// Decode never fails: an unparseable timestamp decodes to the zero time.
func Decode(c Compact) Record {
	r := Record{
		ID:       c.I,
		ClientID: c.C,
		Name:     c.N,
		Number:   c.Num,
		Note:     c.S,
		Tags:     append([]string{}, c.T...),
		Synced:   c.Sy,
	}
	if c.D != "" {
		if ts, err := time.Parse(time.RFC3339Nano, c.D); err == nil {
			r.CreatedAt = ts.UTC()
		}
	}
	return r
}

func EncodeAll(records []Record) []Compact {
	out := make([]Compact, 0, len(records))
	for _, r := range records {
		out = append(out, Encode(r))
	}
	return out
}

func DecodeAll(compact []Compact) []Record {
	out := make([]Record, 0, len(compact))
	for _, c := range compact {
		out = append(out, Decode(c))
	}
	return out
}
