package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
)

// TickStats is one row of the per-tick stats CSV, sampled from the
// integrator and network server at a fixed cadence (not every tick — see
// StatsWriter).
type TickStats struct {
	TimeStamp       int64   `csv:"time_stamp"`
	UnitCount       int     `csv:"unit_count"`
	BondCount       int     `csv:"bond_count"`
	ClientsActive   int32   `csv:"clients_active"`
	Broadcasts      int64   `csv:"broadcasts"`
	RequestsDropped uint64  `csv:"requests_dropped"`
	AdvanceSeconds  float64 `csv:"advance_seconds"`
}

// StatsWriter appends TickStats rows to a CSV file, writing the header only
// once, per the teacher's header-written-once idiom.
type StatsWriter struct {
	file          *os.File
	headerWritten bool
}

// NewStatsWriter creates dir if needed and creates dir/stats.csv,
// truncating any existing file.
// Returns nil, nil if dir is empty (stats export disabled).
func NewStatsWriter(dir string) (*StatsWriter, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("telemetry: creating output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "stats.csv"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating stats.csv: %w", err)
	}
	return &StatsWriter{file: f}, nil
}

// Write appends one row, writing the CSV header on the first call.
func (w *StatsWriter) Write(stats TickStats) error {
	if w == nil {
		return nil
	}
	records := []TickStats{stats}
	if !w.headerWritten {
		if err := gocsv.Marshal(records, w.file); err != nil {
			return fmt.Errorf("telemetry: writing stats: %w", err)
		}
		w.headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, w.file); err != nil {
		return fmt.Errorf("telemetry: writing stats: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *StatsWriter) Close() error {
	if w == nil || w.file == nil {
		return nil
	}
	return w.file.Close()
}
