package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLogFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, LogFileName), []byte(content), 0644); err != nil {
		t.Fatalf("write log file: %v", err)
	}
}

const sampleLog = `{"time":"2026-08-01T12:00:00Z","level":"INFO","msg":"job started","job_id":"job-1"}
{"time":"2026-08-01T12:00:05Z","level":"DEBUG","msg":"item dispatched","job_id":"job-1","agent_id":"agent-1","item_id":"item-1","phase":"map","slot":0}
not json at all
{"time":"2026-08-01T12:00:09Z","level":"ERROR","msg":"item failed","job_id":"job-1","agent_id":"agent-2","item_id":"item-2","phase":"map"}
{"time":"2026-08-01T12:00:02Z","level":"WARN","msg":"checkpoint retry","job_id":"job-1","attempt":2}
`

func TestReadEntries_SortsAndSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, sampleLog)

	entries, err := ReadEntries(dir)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries (garbage line skipped), got %d", len(entries))
	}

	// Sorted by timestamp: the 12:00:02 warning moves before the
	// 12:00:05 debug entry.
	wantOrder := []string{"job started", "checkpoint retry", "item dispatched", "item failed"}
	for i, want := range wantOrder {
		if entries[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Message, want)
		}
	}

	// Unknown fields land in Attrs.
	if entries[1].Attrs["attempt"] != float64(2) {
		t.Errorf("attempt attr = %v", entries[1].Attrs["attempt"])
	}
}

func TestReadEntries_MissingFile(t *testing.T) {
	if _, err := ReadEntries(t.TempDir()); err == nil {
		t.Error("expected error for missing log file")
	}
}

func TestFilterEntries(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, dir, sampleLog)
	entries, err := ReadEntries(dir)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "min level warn",
			filter: Filter{Level: LevelWarn},
			want:   []string{"checkpoint retry", "item failed"},
		},
		{
			name:   "by agent",
			filter: Filter{AgentID: "agent-2"},
			want:   []string{"item failed"},
		},
		{
			name:   "by item",
			filter: Filter{ItemID: "item-1"},
			want:   []string{"item dispatched"},
		},
		{
			name:   "by phase",
			filter: Filter{Phase: "map"},
			want:   []string{"item dispatched", "item failed"},
		},
		{
			name: "time window",
			filter: Filter{
				Since: time.Date(2026, 8, 1, 12, 0, 3, 0, time.UTC),
				Until: time.Date(2026, 8, 1, 12, 0, 8, 0, time.UTC),
			},
			want: []string{"item dispatched"},
		},
		{
			name:   "message substring",
			filter: Filter{Contains: "checkpoint"},
			want:   []string{"checkpoint retry"},
		},
		{
			name:   "combined criteria",
			filter: Filter{JobID: "job-1", Level: LevelError},
			want:   []string{"item failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterEntries(entries, tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, want := range tt.want {
				if got[i].Message != want {
					t.Errorf("entry %d = %q, want %q", i, got[i].Message, want)
				}
			}
		})
	}
}

func TestFilterEntries_LevelWarnIncludesUnleveledEntries(t *testing.T) {
	// Entries whose level string is unknown are kept rather than
	// silently dropped.
	entries := []Entry{{Level: "TRACE", Message: "odd"}}
	got := FilterEntries(entries, Filter{Level: LevelWarn})
	if len(got) != 1 {
		t.Errorf("unknown-level entry was dropped")
	}
}

func TestFormatEntry(t *testing.T) {
	e := Entry{
		Timestamp: time.Date(2026, 8, 1, 12, 0, 9, 0, time.UTC),
		Level:     "ERROR",
		Message:   "item failed",
		JobID:     "job-1",
		AgentID:   "agent-2",
		ItemID:    "item-2",
		Phase:     "map",
		Attrs:     map[string]any{"exit_code": 1},
	}
	line := FormatEntry(e)

	for _, want := range []string{
		"[2026-08-01 12:00:09.000]",
		"ERROR",
		"item failed",
		"job=job-1",
		"agent=agent-2",
		"item=item-2",
		"phase=map",
		`"exit_code":1`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("formatted line missing %q: %s", want, line)
		}
	}
}
