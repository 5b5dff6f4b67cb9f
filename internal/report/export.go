package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"erpsync/internal/models"
	"erpsync/internal/syncstate"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSyncLog = "Sync log"
	sheetSummary = "Summary"

	// exportLimit caps how many records one workbook carries.
	exportLimit = 10000
)

// StatusLister is the read side of the sync state machine.
type StatusLister interface {
	ListStatuses(ctx context.Context, status models.SyncStatus, limit int) ([]syncstate.StatusView, error)
}

var statusFill = map[models.SyncStatus]string{
	models.SyncSuccess:           "#C6EFCE",
	models.SyncRetryPending:      "#FFEB9C",
	models.SyncInProgress:        "#DDEBF7",
	models.SyncPermanentlyFailed: "#FFC7CE",
	models.SyncBlocked:           "#F4B084",
}

var headers = []string{
	"Order ID", "Status", "Attempt", "Max attempts", "Last attempt", "Next retry",
	"Last error", "ERP customer", "ERP order", "ERP invoice", "ERP payment", "Updated",
}

// ExportSyncLog writes the sync log (optionally one status only) to an xlsx workbook at path
// and returns the number of rows written.
func ExportSyncLog(ctx context.Context, src StatusLister, status models.SyncStatus, path string) (int, error) {
	views, err := src.ListStatuses(ctx, status, exportLimit)
	if err != nil {
		return 0, fmt.Errorf("list sync records: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create export directory: %w", err)
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetSyncLog)
	if err != nil {
		return 0, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeHeaders(f, sheetSyncLog); err != nil {
		return 0, err
	}

	styles := make(map[models.SyncStatus]int, len(statusFill))
	for st, color := range statusFill {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err != nil {
			return 0, fmt.Errorf("create style: %w", err)
		}
		styles[st] = id
	}

	counts := make(map[models.SyncStatus]int)
	for i, v := range views {
		row := i + 2
		values := []any{
			v.OrderID,
			string(v.Status),
			v.AttemptNumber,
			v.MaxAttempts,
			formatTime(v.LastAttemptAt),
			formatTime(v.NextRetryAt),
			v.LastError,
			v.DocRefs.CustomerID,
			v.DocRefs.OrderID,
			v.DocRefs.InvoiceID,
			v.DocRefs.PaymentID,
			v.UpdatedAt.UTC().Format(time.DateTime),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetSyncLog, cell, &values); err != nil {
			return 0, fmt.Errorf("write row %d: %w", row, err)
		}
		if style, ok := styles[v.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(2, row)
			_ = f.SetCellStyle(sheetSyncLog, statusCell, statusCell, style)
		}
		counts[v.Status]++
	}

	_ = f.SetColWidth(sheetSyncLog, "A", "D", 12)
	_ = f.SetColWidth(sheetSyncLog, "E", "F", 20)
	_ = f.SetColWidth(sheetSyncLog, "G", "G", 60)
	_ = f.SetColWidth(sheetSyncLog, "H", "L", 20)
	_ = f.SetPanes(sheetSyncLog, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := writeSummary(f, counts); err != nil {
		return 0, err
	}

	_ = f.DeleteSheet("Sheet1")

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("save workbook: %w", err)
	}
	return len(views), nil
}

func writeHeaders(f *excelize.File, sheet string) error {
	style, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	return f.SetCellStyle(sheet, "A1", last, style)
}

func writeSummary(f *excelize.File, counts map[models.SyncStatus]int) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	_ = f.SetCellValue(sheetSummary, "A1", "Status")
	_ = f.SetCellValue(sheetSummary, "B1", "Orders")

	order := []models.SyncStatus{
		models.SyncPending, models.SyncInProgress, models.SyncSuccess,
		models.SyncRetryPending, models.SyncPermanentlyFailed, models.SyncBlocked,
	}
	for i, st := range order {
		row := i + 2
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("A%d", row), string(st))
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("B%d", row), counts[st])
	}
	_ = f.SetColWidth(sheetSummary, "A", "A", 22)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.DateTime)
}
