// internal/export/export.go
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/allowance-bot/internal/settlement"
)

// Format represents the report file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// Row is one settlement outcome flattened for reporting.
type Row struct {
	Name         string   `json:"name"`
	SettlementID string   `json:"settlement_id"`
	Stage        string   `json:"stage"`
	FailedAt     string   `json:"failed_at,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	PlanUSD      float64  `json:"plan_usd"`
	Legs         int      `json:"legs"`
	QuoteHashes  []string `json:"quote_hashes,omitempty"`
	Status       string   `json:"status,omitempty"`
	IntentHash   string   `json:"intent_hash,omitempty"`
}

var csvHeaders = []string{
	"name", "settlement_id", "stage", "failed_at", "success", "error",
	"plan_usd", "legs", "quote_hashes", "status", "intent_hash",
}

func (r Row) csv() []string {
	return []string{
		r.Name,
		r.SettlementID,
		r.Stage,
		r.FailedAt,
		strconv.FormatBool(r.Success),
		r.Error,
		strconv.FormatFloat(r.PlanUSD, 'f', 6, 64),
		strconv.Itoa(r.Legs),
		strings.Join(r.QuoteHashes, ";"),
		r.Status,
		r.IntentHash,
	}
}

// Rows converts runner outcomes, keeping their order.
func Rows(outcomes []settlement.Outcome) []Row {
	rows := make([]Row, 0, len(outcomes))
	for _, o := range outcomes {
		row := Row{Name: o.Request.Name, SettlementID: o.Request.ID, Success: o.Err == nil}
		if res := o.Result; res != nil {
			row.SettlementID = res.ID
			row.Stage = string(res.Stage)
			row.PlanUSD = res.PlanUSD
			row.Legs = len(res.Legs)
			row.QuoteHashes = res.Hashes
			if res.Publish != nil {
				row.Status = res.Publish.Status
				row.IntentHash = res.Publish.IntentHash
			}
		}
		if o.Err != nil {
			row.Error = o.Err.Error()
			if stage, ok := settlement.FailedStage(o.Err); ok {
				row.FailedAt = string(stage)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Summary contains totals over a report
type Summary struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	FailedAt  map[string]int `json:"failed_at,omitempty"`
	PlanUSD   float64        `json:"plan_usd"`
	Published int            `json:"published"`
}

// Summarize counts outcomes by result and by the stage they failed at.
func Summarize(rows []Row) Summary {
	s := Summary{Total: len(rows)}
	for _, r := range rows {
		if r.Success {
			s.Succeeded++
			s.PlanUSD += r.PlanUSD
		} else {
			s.Failed++
			if r.FailedAt != "" {
				if s.FailedAt == nil {
					s.FailedAt = make(map[string]int)
				}
				s.FailedAt[r.FailedAt]++
			}
		}
		if r.Stage == string(settlement.StagePublished) {
			s.Published++
		}
	}
	return s
}

// Exporter writes settlement reports.
type Exporter struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewExporter creates a new report exporter
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{
		logger: logger.Named("export"),
		now:    time.Now,
	}
}

// Write encodes outcomes to w.
func (e *Exporter) Write(w io.Writer, format Format, mode settlement.Mode, outcomes []settlement.Outcome) error {
	rows := Rows(outcomes)
	switch format {
	case FormatCSV:
		return writeCSV(w, rows)
	case FormatJSON:
		return e.writeJSON(w, mode, rows)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// ExportFile writes a timestamped report into dir and returns its path.
func (e *Exporter) ExportFile(dir string, format Format, mode settlement.Mode, outcomes []settlement.Outcome) (string, error) {
	if len(outcomes) == 0 {
		return "", fmt.Errorf("no outcomes to export")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := fmt.Sprintf("settlements_%s_%s.%s", mode, e.now().Format("20060102_150405"), format)
	path := filepath.Join(dir, name)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	if err := e.Write(file, format, mode, outcomes); err != nil {
		return "", err
	}

	e.logger.Info("Report exported",
		zap.String("file", path),
		zap.Int("count", len(outcomes)),
		zap.String("format", string(format)))
	return path, nil
}

func writeCSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, r := range rows {
		if err := writer.Write(r.csv()); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (e *Exporter) writeJSON(w io.Writer, mode settlement.Mode, rows []Row) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	report := struct {
		ExportTime time.Time       `json:"export_time"`
		Mode       settlement.Mode `json:"mode"`
		Summary    Summary         `json:"summary"`
		Outcomes   []Row           `json:"outcomes"`
	}{
		ExportTime: e.now().UTC(),
		Mode:       mode,
		Summary:    Summarize(rows),
		Outcomes:   rows,
	}
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
