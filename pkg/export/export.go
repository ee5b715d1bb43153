// Package export writes joined policy settings as a CSV report.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/svcexp-policy-export/pkg/logging"
	"github.com/Sternrassler/svcexp-policy-export/pkg/policy"
	"github.com/rs/zerolog"
)

// TimestampLayout is the timestamp format used in report file names.
const TimestampLayout = "20060102_150405"

// Column maps a header label to the row field it is filled from.
type Column struct {
	Label string
	Value func(policy.ExportRow) string
}

// Columns is the report layout, in output order.
var Columns = []Column{
	{"Policy Type", func(r policy.ExportRow) string { return r.PolicyCategoryLabel }},
	{"Name", func(r policy.ExportRow) string { return r.PolicyName }},
	{"Policy ID", func(r policy.ExportRow) string { return r.PolicyID }},
	{"Setting", func(r policy.ExportRow) string { return r.SettingName }},
	{"Value", func(r policy.ExportRow) string { return r.CurrentValue }},
	{"Criticality", func(r policy.ExportRow) string { return r.Criticality }},
	{"Category", func(r policy.ExportRow) string { return r.SettingCategoryLabel }},
	{"API Name", func(r policy.ExportRow) string { return r.APIName }},
	{"Policy Category (API)", func(r policy.ExportRow) string { return r.PolicyCategory }},
	{"Criticality Score", func(r policy.ExportRow) string { return r.CriticalityScore }},
	{"Service Category", func(r policy.ExportRow) string { return r.ServiceCategory }},
}

// Header returns the column labels in output order.
func Header() []string {
	labels := make([]string, len(Columns))
	for i, c := range Columns {
		labels[i] = c.Label
	}
	return labels
}

// Record returns the cells of row in column order.
func Record(row policy.ExportRow) []string {
	cells := make([]string, len(Columns))
	for i, c := range Columns {
		cells[i] = c.Value(row)
	}
	return cells
}

// FileName returns "<instance>_<SERVICE>_Policy_Settings_Full_Report_<timestamp>.csv".
func FileName(instance, service string, t time.Time) string {
	return fmt.Sprintf("%s_%s_Policy_Settings_Full_Report_%s.csv",
		instance, strings.ToUpper(service), t.Format(TimestampLayout))
}

// Result describes one Write.
type Result struct {
	// Written is false for the no-data outcome.
	Written bool
	Rows    int
	Path    string
}

// Writer writes CSV reports.
type Writer struct {
	logger zerolog.Logger
}

// NewWriter creates a writer logging under the "exporter" component.
func NewWriter() *Writer {
	return &Writer{logger: logging.NewLogger("exporter")}
}

// Write writes a header and one line per row to path. An empty rows slice
// writes nothing and reports Written=false. The file appears at path only
// once it is complete.
func (w *Writer) Write(rows []policy.ExportRow, path string) (Result, error) {
	if len(rows) == 0 {
		w.logger.Warn().Msg("No data to export")
		return Result{Path: path}, nil
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return Result{Path: path}, fmt.Errorf("create report in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	cw := csv.NewWriter(tmp)
	if err := cw.Write(Header()); err != nil {
		tmp.Close()
		return Result{Path: path}, fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		if err := cw.Write(Record(row)); err != nil {
			tmp.Close()
			return Result{Path: path}, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return Result{Path: path}, fmt.Errorf("flush report: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return Result{Path: path}, fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return Result{Path: path}, fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Result{Path: path}, fmt.Errorf("rename report: %w", err)
	}

	w.logger.Info().
		Int("rows", len(rows)).
		Str("path", path).
		Msg("Report written")

	return Result{Written: true, Rows: len(rows), Path: path}, nil
}
