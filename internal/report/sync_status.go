package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"remindsync/internal/models"
)

const sheetName = "Sync status"

// RecordLister is the slice of the store the report reads from.
type RecordLister interface {
	ListRecordsByStatus(ctx context.Context, states []models.SyncState) ([]*models.SyncRecord, error)
}

var headers = []string{
	"Record ID", "Organization", "Name", "Status", "Retry count",
	"Failed keys", "Last error", "Last attempt", "Mapped events",
}

// Fill colours per status, matching the usual traffic-light convention.
var statusFill = map[models.SyncState]string{
	models.StatusSynced:      "#C6EFCE",
	models.StatusPartialSync: "#FFEB9C",
	models.StatusError:       "#FFC7CE",
}

// revokedFill marks records whose credential is permanently gone.
const revokedFill = "#D9D9D9"

// SyncStatusWorkbook renders one row per synced record. states narrows the
// rows the same way ListRecordsByStatus does.
func SyncStatusWorkbook(ctx context.Context, lister RecordLister, states []models.SyncState, loc *time.Location) (*excelize.File, error) {
	records, err := lister.ListRecordsByStatus(ctx, states)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	index, err := f.NewSheet(sheetName)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	styles := map[string]int{}
	styleFor := func(color string) int {
		if id, ok := styles[color]; ok {
			return id
		}
		id, err := f.NewStyle(&excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Alignment: &excelize.Alignment{Vertical: "top", WrapText: true},
		})
		if err != nil {
			return 0
		}
		styles[color] = id
		return id
	}

	for i, rec := range records {
		row := i + 2
		st := rec.SyncStatus
		if st == nil {
			continue
		}
		values := []any{
			rec.ID,
			rec.OrgID,
			rec.DisplayName(),
			string(st.Status),
			st.RetryCount,
			joinKeys(st.FailedKeys),
			deref(st.LastErrorMessage),
			st.LastAttemptAt.In(loc).Format("2006-01-02 15:04"),
			len(rec.EventMap),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}

		color := statusFill[st.Status]
		if st.CredentialRevoked() {
			color = revokedFill
		}
		if color != "" {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(headers), row)
			_ = f.SetCellStyle(sheetName, first, last, styleFor(color))
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "C", 22)
	_ = f.SetColWidth(sheetName, "D", "E", 14)
	_ = f.SetColWidth(sheetName, "F", "G", 40)
	_ = f.SetColWidth(sheetName, "H", "I", 18)
	_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	return f, nil
}

// WriteSyncStatus streams the workbook to w.
func WriteSyncStatus(ctx context.Context, w io.Writer, lister RecordLister, states []models.SyncState, loc *time.Location) error {
	f, err := SyncStatusWorkbook(ctx, lister, states, loc)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveSyncStatus writes the workbook under dir and returns the file path.
func SaveSyncStatus(ctx context.Context, dir string, lister RecordLister, states []models.SyncState, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	f, err := SyncStatusWorkbook(ctx, lister, states, now.Location())
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, fmt.Sprintf("sync_status_%s.xlsx", now.Format("2006-01-02_15-04-05")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

func joinKeys(keys []models.EventKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
