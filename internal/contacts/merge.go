package contacts

// MergeOptions carries local bookkeeping the snapshot cannot know about.
type MergeOptions struct {
	// Tombstones are ids deleted locally whose delete has not been confirmed.
	// Remote copies of them are ignored.
	Tombstones map[string]struct{}
	// Retain are synced ids that stay even when absent from the snapshot,
	// e.g. records confirmed after the snapshot was taken.
	Retain map[string]struct{}
}

// Rename reports a local record that adopted a remote id.
type Rename struct {
	From string
	To   string
}

// Merge combines the local record set with an authoritative remote snapshot.
//
// The remote copy wins for every id except when the local copy is unsynced:
// an unconfirmed local change is never overwritten. A remote document whose
// clientId matches an unsynced local id is the same logical record; the local
// fields are kept and the remote id is adopted. Synced local records missing
// from the snapshot are dropped unless retained. The result is deduplicated
// by id and sorted newest first, so applying the same snapshot twice yields
// the same set.
func Merge(local, remote []Record, opts MergeOptions) ([]Record, []Rename) {
	pending := make(map[string]Record, len(local))
	for _, r := range local {
		if !r.Synced {
			pending[r.ID] = r
		}
	}

	out := make([]Record, 0, len(remote)+len(pending))
	seen := make(map[string]struct{}, len(remote)+len(local))
	var renames []Rename

	for _, r := range remote {
		if r.ID == "" || tombstoned(opts.Tombstones, r) {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		if l, ok := pending[r.ID]; ok {
			if l.ClientID == "" {
				l.ClientID = r.ClientID
			}
			out = append(out, Clone(l))
			seen[r.ID] = struct{}{}
			continue
		}
		if r.ClientID != "" && r.ClientID != r.ID {
			if l, ok := pending[r.ClientID]; ok {
				if _, taken := seen[r.ClientID]; !taken {
					l.ID = r.ID
					l.ClientID = r.ClientID
					out = append(out, Clone(l))
					seen[r.ID] = struct{}{}
					seen[r.ClientID] = struct{}{}
					renames = append(renames, Rename{From: r.ClientID, To: r.ID})
					continue
				}
			}
		}
		r = Normalize(Clone(r))
		r.Synced = true
		out = append(out, r)
		seen[r.ID] = struct{}{}
	}

	for _, l := range local {
		if _, ok := seen[l.ID]; ok {
			continue
		}
		if l.Synced {
			if _, keep := opts.Retain[l.ID]; !keep {
				continue
			}
		}
		out = append(out, Clone(l))
		seen[l.ID] = struct{}{}
	}

	SortNewestFirst(out)
	return out, renames
}

func tombstoned(tombstones map[string]struct{}, r Record) bool {
	if len(tombstones) == 0 {
		return false
	}
	if _, ok := tombstones[r.ID]; ok {
		return true
	}
	if r.ClientID != "" {
		_, ok := tombstones[r.ClientID]
		return ok
	}
	return false
}
