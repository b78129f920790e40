package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEventLogEmitFailsWhenNotRunning(t *testing.T) {
	el := NewEventLog()
	if el.Emit(NewEvent(EventPickPoint, 1, "client-a", nil)) {
		t.Fatal("Emit should fail before Start")
	}
}

func TestEventLogStopFlushesPendingBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	el := NewEventLog()
	if err := el.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !el.Emit(NewEvent(EventCreate, 5, "client-a", map[string]int{"unitTypeId": 2})) {
		t.Fatal("Emit should succeed")
	}
	el.Stop() // flushes the pending batch synchronously before returning

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening event log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one line in the event log")
	}
	var got Event
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventCreate {
		t.Fatalf("Type = %v, want EventCreate", got.Type)
	}
	if got.TimeStamp != 5 {
		t.Fatalf("TimeStamp = %d, want 5", got.TimeStamp)
	}
	if got.Source != "client-a" {
		t.Fatalf("Source = %q, want client-a", got.Source)
	}
	if got.Version != EventVersion {
		t.Fatalf("Version = %d, want %d", got.Version, EventVersion)
	}
}

func TestEventLogPerSourceRateLimitDropsExcess(t *testing.T) {
	el := NewEventLog()
	if err := el.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer el.Stop()

	accepted := 0
	for i := 0; i < maxEventsPerSource; i++ {
		if el.Emit(NewEvent(EventPickPoint, int64(i), "same-client", nil)) {
			accepted++
		}
	}
	if accepted >= maxEventsPerSource {
		t.Fatalf("expected the per-source burst limit to reject some of %d rapid emits, all %d were accepted", maxEventsPerSource, accepted)
	}
	if el.Stats()["dropped"] == 0 {
		t.Fatal("expected Stats()[\"dropped\"] to be nonzero")
	}
}

func TestEventLogDistinctSourcesEachGetTheirOwnBudget(t *testing.T) {
	el := NewEventLog()
	if err := el.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer el.Stop()

	if !el.Emit(NewEvent(EventRelease, 1, "client-a", nil)) {
		t.Fatal("first emit from client-a should be accepted")
	}
	if !el.Emit(NewEvent(EventRelease, 1, "client-b", nil)) {
		t.Fatal("first emit from client-b should be accepted, independent of client-a's budget")
	}
}

func TestEventLogStatsTracksTotalCount(t *testing.T) {
	el := NewEventLog()
	if err := el.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer el.Stop()

	for i := 0; i < 3; i++ {
		el.Emit(NewEvent(EventDestroy, int64(i), "client-a", nil))
	}
	if got := el.Stats()["total"]; got != 3 {
		t.Fatalf("Stats()[\"total\"] = %d, want 3", got)
	}
}
