package jobs

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/web365/clawbot/pkg/workflow"
)

var exportHeader = []string{
	"job_id", "order_code", "program_code", "supplier", "line_items",
	"total_amount", "currency", "travel_date", "confirmation_id",
	"status", "error", "timestamp",
}

func exportRow(jobID string, res *workflow.RunResult) []string {
	return []string{
		jobID,
		res.OrderCode,
		res.ProgramCode,
		res.Supplier,
		res.Description,
		strconv.FormatFloat(res.Total, 'f', 2, 64),
		res.Currency,
		res.TravelDate,
		res.ConfirmationID,
		string(res.Status),
		res.Error,
		res.FinishedAt.Format(time.RFC3339),
	}
}

// ExportCSV writes the per-group results of a job as CSV and returns the
// file path.
func ExportCSV(dir, jobID string, results []*workflow.RunResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("results_%s.csv", jobID))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create csv export: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(exportHeader); err != nil {
		return "", err
	}
	for _, res := range results {
		if err := w.Write(exportRow(jobID, res)); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

// ExportXLSX writes the same per-group results as a spreadsheet, for users
// who feed the export back into their accounting workbook.
func ExportXLSX(dir, jobID string, results []*workflow.RunResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("results_%s.xlsx", jobID))

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return "", err
	}
	for i, res := range results {
		row := exportRow(jobID, res)
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return "", err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return "", err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save xlsx export: %w", err)
	}
	return path, nil
}

// SaveResultsJSON persists the structured job result for later inspection.
func SaveResultsJSON(dir, jobID string, results []*workflow.RunResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	var success, fail, timeout int
	for _, res := range results {
		switch res.Status {
		case workflow.StatusSuccess:
			success++
		case workflow.StatusTimeout:
			timeout++
		default:
			fail++
		}
	}

	payload := map[string]any{
		"job_id":        jobID,
		"total":         len(results),
		"success_count": success,
		"fail_count":    fail,
		"timeout_count": timeout,
		"results":       results,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("results_%s.json", jobID))
	return os.WriteFile(path, raw, 0o644)
}
