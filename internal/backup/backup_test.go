package backup

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/numberguard/internal/contacts"
)

func fixture() []contacts.Record {
	return []contacts.Record{
		{
			ID:        "remote-2",
			Name:      "Karim Mia",
			Number:    "01711223344",
			Note:      "CNG wala from Mirpur",
			Tags:      []string{"CNG"},
			CreatedAt: time.Date(2025, 2, 10, 8, 30, 0, 0, time.UTC),
			Synced:    true,
		},
		{
			ID:        "1736078400000abcdefghi",
			Name:      "রহিম",
			Number:    "01899887766",
			CreatedAt: time.Date(2025, 1, 5, 18, 0, 0, 0, time.FixedZone("BST", 6*3600)),
		},
	}
}

func TestExportGolden(t *testing.T) {
	doc := Export(fixture(), time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	data, err := Marshal(doc)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export", data)
}

func TestParseRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	data, err := Marshal(Export(fixture(), now))
	require.NoError(t, err)

	doc, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, doc.Version)
	assert.Equal(t, 2, doc.ContactCount)
	require.Len(t, doc.Contacts, 2)
	assert.Equal(t, "Karim Mia", doc.Contacts[0].Name)
	assert.Equal(t, []string{"CNG"}, doc.Contacts[0].Tags)
	assert.True(t, doc.Contacts[1].DateAdded.Equal(time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)))

	draft := doc.Contacts[0].Draft()
	assert.Equal(t, contacts.Draft{Name: "Karim Mia", Number: "01711223344", Note: "CNG wala from Mirpur", Tags: []string{"CNG"}}, draft)
}

func TestParseAcceptsMinimalDocument(t *testing.T) {
	doc, err := Parse([]byte(`{"contacts":[{"number":"017"},{"name":"Rahim","tags":["বন্ধু"]}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Contacts, 2)
	assert.Equal(t, "017", doc.Contacts[0].Number)
	assert.True(t, doc.Contacts[0].DateAdded.IsZero())
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"contacts":`,
		"missing contacts":  `{"version":"1.0"}`,
		"contacts object":   `{"contacts":{}}`,
		"tag not a string":  `{"contacts":[{"name":"Rahim","tags":[1]}]}`,
		"no name or number": `{"contacts":[{"story":"just a story"}]}`,
		"empty name only":   `{"contacts":[{"name":""}]}`,
		"bad date":          `{"contacts":[{"name":"Rahim","date_added":"yesterday"}]}`,
		"negative count":    `{"contactCount":-1,"contacts":[]}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			require.ErrorIs(t, err, ErrImportFormatInvalid)
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	existing := fixture()
	assert.True(t, IsDuplicate(existing, Entry{Name: "Someone", Number: "01711223344"}))
	assert.True(t, IsDuplicate(existing, Entry{Name: "রহিম", Number: "000"}))
	assert.False(t, IsDuplicate(existing, Entry{Name: "karim mia", Number: "000"}), "matching is exact")
	assert.False(t, IsDuplicate(existing, Entry{Name: "New"}))
	assert.False(t, IsDuplicate([]contacts.Record{{Name: "", Number: "017"}}, Entry{Name: "New", Number: ""}))
}
