// Package audit provides the append-only JSONL event log. Every
// operationally significant event — packet receipt, dispatch, session
// close, restriction changes — lands here as one JSON object per line.
//
// The log holds its own mutex, distinct from the session state guard,
// so a slow filesystem can never deadlock dispatch logic. Log is safe
// to call on a nil *Logger (no-op), which keeps tests and optional
// wiring free of guard checks.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event types written to the log.
const (
	TypeRX                 = "rx"
	TypeCommand            = "command"
	TypeSOSDispatch        = "sos_dispatch"
	TypeSOSClosed          = "sos_closed"
	TypeSOS911Triggered    = "sos_911_triggered"
	TypeSOS911NoResponse   = "sos_911_no_response"
	TypeSOSFalseAlarm      = "sos_false_alarm"
	TypeTriageExchange     = "triage_exchange"
	TypeGeneralExchange    = "general_exchange"
	TypeRestricted         = "restricted"
	TypeRestrictionLifted  = "restriction_lifted"
	TypeRestrictionExpired = "restriction_expired"
	TypeBouncerDrop        = "bouncer_drop"
	TypeSystem             = "system"
)

// Logger appends newline-delimited JSON events to a file.
type Logger struct {
	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger

	// now is stubbed in tests for deterministic timestamps.
	now func() time.Time
}

// Open creates or appends to the audit log at path.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{f: f, logger: logger, now: time.Now}, nil
}

// Log appends one event. The record always carries an ISO-8601 UTC "ts"
// and the given "type"; fields supply the rest. Write failures are
// logged and swallowed — auditing must never take the gateway down.
func (l *Logger) Log(eventType string, fields map[string]any) {
	if l == nil {
		return
	}

	record := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["ts"] = l.now().UTC().Format(time.RFC3339)
	record["type"] = eventType

	line, err := json.Marshal(record)
	if err != nil {
		l.logger.Error("audit marshal failed", "type", eventType, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		l.logger.Error("audit write failed", "type", eventType, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
