package syncengine

import (
	"context"
	"strings"

	"github.com/agentworkforce/numberguard/internal/backup"
)

type ImportReport struct {
	Imported   int
	Duplicates int
	// Blank entries carry neither a name nor a number.
	Blank   int
	Results []Result
}

// Import adds every backup entry that does not match an existing record by
// exact name or exact number. Entries imported earlier in the same document
// count as existing.
func (e *Engine) Import(ctx context.Context, doc backup.Document) (ImportReport, error) {
	var report ImportReport
	for _, entry := range doc.Contacts {
		if strings.TrimSpace(entry.Name) == "" && strings.TrimSpace(entry.Number) == "" {
			report.Blank++
			continue
		}
		if backup.IsDuplicate(e.Records(), entry) {
			report.Duplicates++
			continue
		}
		res, err := e.AddRecord(ctx, entry.Draft())
		if err != nil {
			return report, err
		}
		report.Imported++
		report.Results = append(report.Results, res)
	}
	e.log.Info().Int("imported", report.Imported).Int("duplicates", report.Duplicates).Int("blank", report.Blank).Msg("backup imported")
	return report, nil
}

// Export renders the current record set as a backup document.
func (e *Engine) Export() backup.Document {
	return backup.Export(e.Records(), e.now())
}
