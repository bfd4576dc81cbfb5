package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	aggregation "meterflow/internal/aggregation/domain"
)

func sampleReport() DayReport {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	return DayReport{
		Day:         day,
		Granularity: aggregation.GranularityMinute,
		Records: []aggregation.AggregateRecord{
			{SourceID: "meter-a", Granularity: aggregation.GranularityMinute, WindowStart: day.Add(10 * time.Minute), Count: 4, Sum: 40, Avg: 10, Min: 8, Max: 12},
			{SourceID: "meter-b", Granularity: aggregation.GranularityMinute, WindowStart: day.Add(11 * time.Minute), Count: 2, Sum: 6, Avg: 3, Min: 2, Max: 4},
		},
	}
}

func TestBuildDayPDF(t *testing.T) {
	data, err := BuildDayPDF(sampleReport())
	if err != nil {
		t.Fatalf("build pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("output is not a PDF")
	}
}

func TestBuildDayXLSX(t *testing.T) {
	report := sampleReport()
	data, err := BuildDayXLSX(report)
	if err != nil {
		t.Fatalf("build xlsx: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reopen xlsx: %v", err)
	}
	defer f.Close()

	source, err := f.GetCellValue("windows", "A2")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if source != "meter-a" {
		t.Fatalf("windows!A2 = %q, want meter-a", source)
	}
	total, err := f.GetCellValue("summary", "B6")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if total != "6" {
		t.Fatalf("summary!B6 = %q, want 6", total)
	}
}
