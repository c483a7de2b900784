// Package incidents provides the closed-incident archive. Sessions
// themselves live only in memory; once an incident closes, its summary
// is recorded here so incident numbers stay monotonic across restarts
// and responders can review history. The archive is intentionally
// write-mostly — one insert per closed incident, one query at startup.
package incidents

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Incident is one archived record.
type Incident struct {
	Number       int       `json:"number"`
	ID           string    `json:"id"` // UUID correlating audit records
	Sender       string    `json:"sender"`
	Name         string    `json:"name"`
	Trigger      string    `json:"trigger"`
	Context      string    `json:"context,omitempty"`
	Reason       string    `json:"reason"`
	DispatchedTo string    `json:"dispatched_to"`
	GPS          string    `json:"gps"`
	StartedAt    time.Time `json:"started_at"`
	ClosedAt     time.Time `json:"closed_at"`
	DurationSec  int       `json:"duration_sec"`
	Exchanges    int       `json:"exchanges"`
}

// Archive is a SQLite-backed incident history. Safe for concurrent use
// (SQLite serializes writes).
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive at dbPath. The schema is created
// automatically on first use.
func Open(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return a, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		number        INTEGER NOT NULL,
		id            TEXT NOT NULL,
		sender        TEXT NOT NULL,
		name          TEXT NOT NULL,
		trigger       TEXT NOT NULL,
		context       TEXT NOT NULL,
		reason        TEXT NOT NULL,
		dispatched_to TEXT NOT NULL,
		gps           TEXT NOT NULL,
		started_at    TEXT NOT NULL,
		closed_at     TEXT NOT NULL,
		duration_sec  INTEGER NOT NULL,
		exchanges     INTEGER NOT NULL,
		PRIMARY KEY (number, id)
	);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Record inserts one closed incident.
func (a *Archive) Record(inc Incident) error {
	_, err := a.db.Exec(
		`INSERT INTO incidents
		 (number, id, sender, name, trigger, context, reason, dispatched_to,
		  gps, started_at, closed_at, duration_sec, exchanges)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Number, inc.ID, inc.Sender, inc.Name, inc.Trigger, inc.Context,
		inc.Reason, inc.DispatchedTo, inc.GPS,
		inc.StartedAt.UTC().Format(time.RFC3339),
		inc.ClosedAt.UTC().Format(time.RFC3339),
		inc.DurationSec, inc.Exchanges,
	)
	if err != nil {
		return fmt.Errorf("record incident %d: %w", inc.Number, err)
	}
	return nil
}

// MaxNumber returns the highest archived incident number, or 0 when the
// archive is empty. Seeds the monotonic counter at startup.
func (a *Archive) MaxNumber() (int, error) {
	var n sql.NullInt64
	err := a.db.QueryRow(`SELECT MAX(number) FROM incidents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max incident number: %w", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64), nil
}

// Recent returns up to limit incidents, newest first.
func (a *Archive) Recent(limit int) ([]Incident, error) {
	rows, err := a.db.Query(
		`SELECT number, id, sender, name, trigger, context, reason,
		        dispatched_to, gps, started_at, closed_at, duration_sec, exchanges
		 FROM incidents ORDER BY closed_at DESC, number DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var started, closed string
		if err := rows.Scan(&inc.Number, &inc.ID, &inc.Sender, &inc.Name,
			&inc.Trigger, &inc.Context, &inc.Reason, &inc.DispatchedTo,
			&inc.GPS, &started, &closed, &inc.DurationSec, &inc.Exchanges); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.StartedAt, _ = time.Parse(time.RFC3339, started)
		inc.ClosedAt, _ = time.Parse(time.RFC3339, closed)
		out = append(out, inc)
	}
	return out, rows.Err()
}
