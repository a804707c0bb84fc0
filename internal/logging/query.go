package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is a parsed log line with its structured fields.
type Entry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	JobID     string         `json:"job_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects log entries. All set criteria must match.
type Filter struct {
	// Level keeps entries at or above this level.
	Level string
	// Since keeps entries at or after this time.
	Since time.Time
	// Until keeps entries at or before this time.
	Until time.Time
	// JobID, AgentID, ItemID, and Phase each keep entries with the
	// matching context attribute.
	JobID   string
	AgentID string
	ItemID  string
	Phase   string
	// Contains keeps entries whose message contains the substring.
	Contains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadEntries parses every line of {dir}/fanout.log into Entries,
// sorted by timestamp. Unparseable lines are skipped so a partially
// corrupted log still yields its intact entries.
func ReadEntries(dir string) ([]Entry, error) {
	path := filepath.Join(dir, LogFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no log file at %s: %w", path, err)
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, maxLine), maxLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := Entry{Attrs: make(map[string]any)}

	if s, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			entry.Timestamp = t
		}
	}
	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	entry.Level = str("level")
	entry.Message = str("msg")
	entry.JobID = str("job_id")
	entry.AgentID = str("agent_id")
	entry.ItemID = str("item_id")
	entry.Phase = str("phase")

	known := map[string]bool{
		"time": true, "level": true, "msg": true,
		"job_id": true, "agent_id": true, "item_id": true, "phase": true,
	}
	for k, v := range raw {
		if !known[k] {
			entry.Attrs[k] = v
		}
	}
	return entry, nil
}

// FilterEntries returns the entries matching the filter.
func FilterEntries(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if matches(e, f) {
			out = append(out, e)
		}
	}
	return out
}

func matches(e Entry, f Filter) bool {
	if f.Level != "" {
		min, okMin := levelOrder[strings.ToUpper(f.Level)]
		got, okGot := levelOrder[e.Level]
		if okMin && okGot && got < min {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.ItemID != "" && e.ItemID != f.ItemID {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
		return false
	}
	return true
}

// FormatEntry renders an entry as a single human-readable line.
func FormatEntry(e Entry) string {
	parts := []string{
		fmt.Sprintf("[%s]", e.Timestamp.Format("2006-01-02 15:04:05.000")),
		e.Level,
		"-",
		e.Message,
	}

	var ctx []string
	if e.JobID != "" {
		ctx = append(ctx, "job="+e.JobID)
	}
	if e.AgentID != "" {
		ctx = append(ctx, "agent="+e.AgentID)
	}
	if e.ItemID != "" {
		ctx = append(ctx, "item="+e.ItemID)
	}
	if e.Phase != "" {
		ctx = append(ctx, "phase="+e.Phase)
	}
	if len(ctx) > 0 {
		parts = append(parts, "("+strings.Join(ctx, ", ")+")")
	}

	if len(e.Attrs) > 0 {
		if b, err := json.Marshal(e.Attrs); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, " ")
}
