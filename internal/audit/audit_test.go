package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	l.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return l, path
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not JSON: %v", len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestLogWritesJSONL(t *testing.T) {
	l, path := openTestLogger(t)

	l.Log(TypeSOSDispatch, map[string]any{
		"sender":   "!deadbeef",
		"trigger":  "!ems",
		"incident": 7,
	})
	l.Log(TypeSOSClosed, map[string]any{"sender": "!deadbeef", "reason": "safe"})

	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	first := recs[0]
	if first["type"] != TypeSOSDispatch {
		t.Errorf("type = %v", first["type"])
	}
	if first["ts"] != "2025-06-01T12:00:00Z" {
		t.Errorf("ts = %v", first["ts"])
	}
	if first["sender"] != "!deadbeef" || first["trigger"] != "!ems" {
		t.Errorf("fields = %v", first)
	}
	if recs[1]["reason"] != "safe" {
		t.Errorf("second record = %v", recs[1])
	}
}

func TestLogFieldsCannotOverrideEnvelope(t *testing.T) {
	l, path := openTestLogger(t)

	l.Log(TypeSystem, map[string]any{"type": "forged", "ts": "never"})

	recs := readRecords(t, path)
	if recs[0]["type"] != TypeSystem {
		t.Errorf("type overridden to %v", recs[0]["type"])
	}
	if recs[0]["ts"] == "never" {
		t.Error("ts overridden by caller field")
	}
}

func TestNilLoggerIsNoOp(t *testing.T) {
	var l *Logger
	l.Log(TypeRX, map[string]any{"sender": "!00000001"})
	if err := l.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	l1.Log(TypeSystem, map[string]any{"event": "startup"})
	l1.Close()

	l2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	l2.Log(TypeSystem, map[string]any{"event": "startup"})
	l2.Close()

	if recs := readRecords(t, path); len(recs) != 2 {
		t.Fatalf("records after reopen = %d, want 2 (append, not truncate)", len(recs))
	}
}
