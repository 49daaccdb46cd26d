package contacts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mergeBase = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func rec(id, name string, minutes int, synced bool) Record {
	return Normalize(Record{
		ID:        id,
		Name:      name,
		Number:    "01700" + id,
		CreatedAt: mergeBase.Add(time.Duration(minutes) * time.Minute),
		Synced:    synced,
	})
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestMergeRemoteWinsForSyncedRecords(t *testing.T) {
	local := []Record{rec("a", "Old Name", 1, true)}
	remote := []Record{rec("a", "New Name", 1, false)}

	got, renames := Merge(local, remote, MergeOptions{})
	require.Len(t, got, 1)
	assert.Empty(t, renames)
	assert.Equal(t, "New Name", got[0].Name)
	assert.True(t, got[0].Synced)
}

func TestMergeKeepsUnsyncedLocalFields(t *testing.T) {
	local := []Record{rec("a", "Edited Offline", 1, false)}
	remote := []Record{rec("a", "Stale Remote", 1, true)}

	got, _ := Merge(local, remote, MergeOptions{})
	require.Len(t, got, 1)
	assert.Equal(t, "Edited Offline", got[0].Name)
	assert.False(t, got[0].Synced)
}

func TestMergeIsIdempotent(t *testing.T) {
	local := []Record{
		rec("a", "A", 1, true),
		rec("b", "B", 2, false),
		rec("c", "C", 3, true),
	}
	remote := []Record{
		rec("a", "A2", 1, true),
		rec("b", "B remote", 2, true),
		rec("d", "D", 4, true),
	}

	once, _ := Merge(local, remote, MergeOptions{})
	twice, renames := Merge(once, remote, MergeOptions{})
	assert.Equal(t, once, twice)
	assert.Empty(t, renames)
	assert.Equal(t, []string{"d", "b", "a"}, ids(once))
}

func TestMergeDropsSyncedRecordsMissingFromSnapshot(t *testing.T) {
	local := []Record{rec("gone", "Gone", 1, true), rec("kept", "Kept", 2, true), rec("new", "New", 3, false)}

	got, _ := Merge(local, nil, MergeOptions{Retain: map[string]struct{}{"kept": {}}})
	assert.Equal(t, []string{"new", "kept"}, ids(got))
}

func TestMergeAdoptsRemoteIDForPendingAdd(t *testing.T) {
	local := []Record{rec("1730000000000abcdefghi", "Local Name", 1, false)}
	remoteCopy := rec("srv-1", "Remote Name", 1, true)
	remoteCopy.ClientID = "1730000000000abcdefghi"

	got, renames := Merge(local, []Record{remoteCopy}, MergeOptions{})
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.Equal(t, "1730000000000abcdefghi", got[0].ClientID)
	assert.Equal(t, "Local Name", got[0].Name)
	assert.False(t, got[0].Synced)
	assert.Equal(t, []Rename{{From: "1730000000000abcdefghi", To: "srv-1"}}, renames)

	again, renames := Merge(got, []Record{remoteCopy}, MergeOptions{})
	assert.Equal(t, got, again)
	assert.Empty(t, renames)
}

func TestMergeSkipsTombstonedRecords(t *testing.T) {
	byClient := rec("srv-2", "Deleted", 2, true)
	byClient.ClientID = "local-2"
	remote := []Record{rec("srv-1", "Deleted too", 1, true), byClient, rec("srv-3", "Alive", 3, true)}

	got, _ := Merge(nil, remote, MergeOptions{Tombstones: map[string]struct{}{"srv-1": {}, "local-2": {}}})
	assert.Equal(t, []string{"srv-3"}, ids(got))
}

func TestMergeDeduplicatesRemoteIDs(t *testing.T) {
	remote := []Record{rec("a", "first", 1, true), rec("a", "second", 1, true)}
	got, _ := Merge(nil, remote, MergeOptions{})
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Name)
}

func TestSortNewestFirstBreaksTiesByID(t *testing.T) {
	records := []Record{rec("b", "", 1, true), rec("a", "", 1, true), rec("c", "", 5, true)}
	SortNewestFirst(records)
	assert.Equal(t, []string{"c", "a", "b"}, ids(records))
}
