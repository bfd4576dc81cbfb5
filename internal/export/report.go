package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	aggregation "meterflow/internal/aggregation/domain"
)

// DayReport groups one day of flushed aggregates for rendering.
type DayReport struct {
	Day         time.Time
	Granularity aggregation.Granularity
	Records     []aggregation.AggregateRecord
}

// TotalSum is the combined sum across all records in the report.
func (r DayReport) TotalSum() float64 {
	var total float64
	for _, rec := range r.Records {
		total += rec.Sum
	}
	return total
}

// TotalCount is the combined reading count across all records.
func (r DayReport) TotalCount() int64 {
	var total int64
	for _, rec := range r.Records {
		total += rec.Count
	}
	return total
}

// BuildDayPDF renders a minimal PDF for a day of aggregates.
func BuildDayPDF(report DayReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Telemetry Aggregate Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Day: %s", report.Day.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Granularity: %s", report.Granularity))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Windows: %d", len(report.Records)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Readings: %d", report.TotalCount()))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Sum: %.3f", report.TotalSum()))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(35, 6, "Source", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Window", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Sum", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Avg", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Min", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Max", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, rec := range report.Records {
		pdf.CellFormat(35, 6, rec.SourceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, rec.WindowStart.Format("15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", rec.Count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.3f", rec.Sum), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.3f", rec.Avg), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.3f", rec.Min), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.3f", rec.Max), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDayXLSX renders a minimal XLSX for a day of aggregates.
func BuildDayXLSX(report DayReport) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	windowsSheet := "windows"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(windowsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Telemetry Aggregate Report")
	_ = f.SetCellValue(summarySheet, "A3", "Day")
	_ = f.SetCellValue(summarySheet, "B3", report.Day.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A4", "Granularity")
	_ = f.SetCellValue(summarySheet, "B4", string(report.Granularity))
	_ = f.SetCellValue(summarySheet, "A5", "Windows")
	_ = f.SetCellValue(summarySheet, "B5", len(report.Records))
	_ = f.SetCellValue(summarySheet, "A6", "Total Readings")
	_ = f.SetCellValue(summarySheet, "B6", report.TotalCount())
	_ = f.SetCellValue(summarySheet, "A7", "Total Sum")
	_ = f.SetCellValue(summarySheet, "B7", report.TotalSum())

	_ = f.SetCellValue(windowsSheet, "A1", "Source")
	_ = f.SetCellValue(windowsSheet, "B1", "Window Start")
	_ = f.SetCellValue(windowsSheet, "C1", "Count")
	_ = f.SetCellValue(windowsSheet, "D1", "Sum")
	_ = f.SetCellValue(windowsSheet, "E1", "Avg")
	_ = f.SetCellValue(windowsSheet, "F1", "Min")
	_ = f.SetCellValue(windowsSheet, "G1", "Max")
	for i, rec := range report.Records {
		row := i + 2
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("A%d", row), rec.SourceID)
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("B%d", row), rec.WindowStart.Format(time.RFC3339))
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("C%d", row), rec.Count)
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("D%d", row), rec.Sum)
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("E%d", row), rec.Avg)
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("F%d", row), rec.Min)
		_ = f.SetCellValue(windowsSheet, fmt.Sprintf("G%d", row), rec.Max)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
