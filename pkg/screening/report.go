package screening

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/dataset"
	"github.com/xuri/excelize/v2"
)

const actionListSheet = "Action List"

// ActionListHeader is the subset of report columns shown to the GP.
var ActionListHeader = []string{
	dataset.ColName,
	dataset.ColNHSNumber,
	dataset.ColEmail,
	dataset.ColAge,
	dataset.ColPredictedRisk,
	dataset.ColScreeningStatus,
}

// WriteReport saves the flagged patients CSV consumed by the notifier.
func WriteReport(path string, flagged []models.ScreenedPatient) error {
	return dataset.WriteFile(path, func(w io.Writer) error {
		return dataset.WriteReport(w, flagged)
	})
}

// WorkbookPath is the spreadsheet written next to a CSV report.
func WorkbookPath(reportPath string) string {
	return strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".xlsx"
}

// WriteWorkbook saves the GP action list as an Excel workbook.
func WriteWorkbook(path string, flagged []models.ScreenedPatient) error {
	f, err := BuildWorkbook(flagged)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func BuildWorkbook(flagged []models.ScreenedPatient) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(actionListSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE9E7"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(actionListSheet, "A1", &ActionListHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(ActionListHeader), 1)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetCellStyle(actionListSheet, "A1", last, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, s := range flagged {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		row := []interface{}{
			s.Record.Name,
			s.Record.NHSNumber,
			s.Record.Email,
			s.Record.Age,
			Round2(s.Multiplier),
			s.Status,
		}
		if err := f.SetSheetRow(actionListSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	widths := []float64{18, 16, 30, 8, 24, 40}
	for i, width := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetColWidth(actionListSheet, col, col, width); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetPanes(actionListSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
