package dispatch

import (
	"log/slog"
	"time"

	"github.com/libertymesh/operator/internal/audit"
	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/incidents"
	"github.com/libertymesh/operator/internal/session"
)

// Closer centralizes session teardown: removal from the store, the
// sos_closed audit record, the incident archive insert, and the bus
// event. Router, watchdog, and shutdown all close sessions through it
// so every path produces the same records.
type Closer struct {
	store    *session.Store
	auditLog *audit.Logger
	archive  *incidents.Archive
	bus      *events.Bus
	logger   *slog.Logger
}

// NewCloser creates a Closer. archive may be nil (archiving disabled).
func NewCloser(store *session.Store, auditLog *audit.Logger, archive *incidents.Archive, bus *events.Bus, logger *slog.Logger) *Closer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Closer{store: store, auditLog: auditLog, archive: archive, bus: bus, logger: logger}
}

// Close ends the sender's session with the given reason. Returns the
// final snapshot and false when no session was open.
func (c *Closer) Close(sender string, reason session.CloseReason, now time.Time) (session.Session, bool) {
	sess, dur, ok := c.store.Close(sender, now)
	if !ok {
		return session.Session{}, false
	}
	c.Record(sess, reason, dur, now)
	return sess, true
}

// Record produces the close records for a session already removed from
// the store, for bulk teardown paths like shutdown.
func (c *Closer) Record(sess session.Session, reason session.CloseReason, dur time.Duration, now time.Time) {
	gps := gpsString(sess.Lat, sess.Lon, sess.HasGPS)

	c.auditLog.Log(audit.TypeSOSClosed, map[string]any{
		"reason":           string(reason),
		"incident":         sess.Number,
		"incident_id":      sess.ID,
		"sender":           sess.Sender,
		"name":             sess.Name,
		"trigger":          sess.Trigger,
		"context":          sess.Context,
		"gps":              gps,
		"dispatched_to":    routedTo(sess.DispatchedTo),
		"started_at":       sess.StartedAt.UTC().Format(time.RFC3339),
		"exchange_count":   len(sess.Exchanges),
		"duration_seconds": int(dur.Seconds()),
	})

	if c.archive != nil {
		err := c.archive.Record(incidents.Incident{
			Number:       sess.Number,
			ID:           sess.ID,
			Sender:       sess.Sender,
			Name:         sess.Name,
			Trigger:      sess.Trigger,
			Context:      sess.Context,
			Reason:       string(reason),
			DispatchedTo: routedTo(sess.DispatchedTo),
			GPS:          gps,
			StartedAt:    sess.StartedAt,
			ClosedAt:     now,
			DurationSec:  int(dur.Seconds()),
			Exchanges:    len(sess.Exchanges),
		})
		if err != nil {
			c.logger.Error("incident archive insert failed",
				"incident", sess.Number,
				"error", err,
			)
		}
	}

	c.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindSessionClosed,
		Data: map[string]any{
			"sender":       sess.Sender,
			"reason":       string(reason),
			"duration_sec": int(dur.Seconds()),
		},
	})

	c.logger.Info("session closed",
		"sender", sess.Sender,
		"name", sess.Name,
		"reason", string(reason),
		"duration", dur.Truncate(time.Second),
	)
}

// routedTo renders the dispatched-to field for records.
func routedTo(target string) string {
	if target == "" {
		return "ALL"
	}
	return target
}
