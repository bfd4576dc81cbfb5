// Command report_export renders one day of flushed aggregates from
// Postgres into XLSX and PDF files.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	aggregation "meterflow/internal/aggregation/domain"
	"meterflow/internal/aggregation/infrastructure/postgres"
	"meterflow/internal/export"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[report-export] ", log.LstdFlags)

	day := flag.String("day", time.Now().UTC().Format("2006-01-02"), "day to export (YYYY-MM-DD, UTC)")
	gran := flag.String("granularity", string(aggregation.GranularityMinute), "granularity (MINUTE or QUARTER)")
	sources := flag.String("sources", "", "comma-separated source IDs (empty = all)")
	outPrefix := flag.String("out", "report", "output file prefix")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	dayStart, err := time.ParseInLocation("2006-01-02", *day, time.UTC)
	if err != nil {
		logger.Fatalf("parse day: %v", err)
	}
	granularity := aggregation.Granularity(*gran)
	if !granularity.IsValid() {
		logger.Fatalf("invalid granularity %q", *gran)
	}

	var sourceIDs []string
	if *sources != "" {
		for _, s := range strings.Split(*sources, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sourceIDs = append(sourceIDs, s)
			}
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := postgres.NewAggregateRepository(db)
	records, err := repo.ListDay(ctx, granularity, dayStart, sourceIDs)
	if err != nil {
		logger.Fatalf("query aggregates: %v", err)
	}
	logger.Printf("loaded %d windows for %s (%s)", len(records), *day, granularity)

	report := export.DayReport{Day: dayStart, Granularity: granularity, Records: records}

	xlsx, err := export.BuildDayXLSX(report)
	if err != nil {
		logger.Fatalf("render xlsx: %v", err)
	}
	xlsxPath := fmt.Sprintf("%s.xlsx", *outPrefix)
	if err := os.WriteFile(xlsxPath, xlsx, 0o644); err != nil {
		logger.Fatalf("write %s: %v", xlsxPath, err)
	}

	pdf, err := export.BuildDayPDF(report)
	if err != nil {
		logger.Fatalf("render pdf: %v", err)
	}
	pdfPath := fmt.Sprintf("%s.pdf", *outPrefix)
	if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
		logger.Fatalf("write %s: %v", pdfPath, err)
	}

	logger.Printf("wrote %s and %s", xlsxPath, pdfPath)
}
