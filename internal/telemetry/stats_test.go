package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStatsWriterDisabledWhenDirEmpty(t *testing.T) {
	w, err := NewStatsWriter("")
	if err != nil {
		t.Fatalf("NewStatsWriter: %v", err)
	}
	if w != nil {
		t.Fatal("expected a nil StatsWriter when dir is empty")
	}
	if err := w.Write(TickStats{}); err != nil {
		t.Fatalf("Write on a nil StatsWriter should be a no-op, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close on a nil StatsWriter should be a no-op, got %v", err)
	}
}

func TestStatsWriterWritesHeaderOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stats")
	w, err := NewStatsWriter(dir)
	if err != nil {
		t.Fatalf("NewStatsWriter: %v", err)
	}
	if w == nil {
		t.Fatal("expected a non-nil StatsWriter for a nonempty dir")
	}

	rows := []TickStats{
		{TimeStamp: 1, UnitCount: 10, BondCount: 2, ClientsActive: 3, Broadcasts: 4, RequestsDropped: 0, AdvanceSeconds: 0.001},
		{TimeStamp: 2, UnitCount: 11, BondCount: 2, ClientsActive: 3, Broadcasts: 5, RequestsDropped: 1, AdvanceSeconds: 0.002},
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "stats.csv"))
	if err != nil {
		t.Fatalf("reading stats.csv: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 1 header + 2 data lines, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "time_stamp") {
		t.Fatalf("header line should name the csv tags, got %q", lines[0])
	}
	if strings.Contains(lines[1], "time_stamp") {
		t.Fatal("header should only be written once")
	}
}
