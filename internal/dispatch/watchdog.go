package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/libertymesh/operator/internal/audit"
	"github.com/libertymesh/operator/internal/radio"
	"github.com/libertymesh/operator/internal/session"
)

// sweepInterval is how often the watchdog scans for timed-out state.
const sweepInterval = 30 * time.Second

// WatchdogConfig holds the dependencies and timeouts for a Watchdog.
type WatchdogConfig struct {
	Store      *session.Store
	Sender     *radio.Sender
	Directory  radio.Directory
	Closer     *Closer
	Audit      *audit.Logger
	Responders Responders
	Logger     *slog.Logger

	// TriageTimeout closes triage sessions idle this long.
	TriageTimeout time.Duration
	// Menu911Timeout escalates 911 menus unanswered this long.
	Menu911Timeout time.Duration
}

// Watchdog periodically expires stale triage sessions, unanswered 911
// menus, and lapsed restrictions. Sweeps are idempotent: expiring state
// removes it, so a slow sweep overlapping the next one cannot act twice.
type Watchdog struct {
	cfg    WatchdogConfig
	logger *slog.Logger
}

// NewWatchdog creates a watchdog.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{cfg: cfg, logger: logger}
}

// Run sweeps every 30 seconds until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	w.logger.Info("watchdog started",
		"triage_timeout", w.cfg.TriageTimeout,
		"menu_timeout", w.cfg.Menu911Timeout,
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog shutting down")
			return
		case <-ticker.C:
			w.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one pass of all three expiries.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) {
	w.sweepTriage(ctx, now)
	w.sweep911(ctx, now)
	w.sweepRestrictions(now)
}

// sweepTriage closes idle triage sessions and notifies both sides.
func (w *Watchdog) sweepTriage(ctx context.Context, now time.Time) {
	for _, sender := range w.cfg.Store.Stale(now, w.cfg.TriageTimeout) {
		sess, ok := w.cfg.Closer.Close(sender, session.ReasonTimeout, now)
		if !ok {
			continue
		}

		w.cfg.Sender.SendDM(ctx, msgTriageTimeout, sender, false)

		minutes := int(w.cfg.TriageTimeout.Minutes())
		note := fmt.Sprintf("[TIMEOUT] %s triage from %s closed after %dmin silence.",
			sess.Trigger, sess.Name, minutes)
		if sess.DispatchedTo != "" {
			w.cfg.Sender.SendDM(ctx, note, sess.DispatchedTo, false)
		} else {
			for _, responder := range w.cfg.Responders.All() {
				w.cfg.Sender.SendDM(ctx, note, responder, false)
			}
		}

		w.logger.Info("triage timed out", "sender", sender, "name", sess.Name, "incident", sess.Number)
	}
}

// sweep911 escalates unanswered 911 menus. Silence after a 911 may mean
// the sender cannot type; the escalation goes out with the stored GPS.
func (w *Watchdog) sweep911(ctx context.Context, now time.Time) {
	for _, expired := range w.cfg.Store.SweepPending911(now, w.cfg.Menu911Timeout) {
		name := radio.NodeName(w.cfg.Directory, expired.Sender)
		gps := gpsString(expired.Pending.Lat, expired.Pending.Lon, expired.Pending.HasGPS)

		alert := fmt.Sprintf(
			"[DISPATCH] !911 NO RESPONSE | From: %s | %s | Citizen triggered 911 but did not respond. Possible incapacitation.",
			name, gps)

		all := w.cfg.Responders.All()
		if len(all) > 0 {
			for _, responder := range all {
				w.cfg.Sender.SendDM(ctx, alert, responder, true)
				w.cfg.Store.SetLastDispatch(responder, expired.Sender)
			}
		} else {
			w.cfg.Sender.Broadcast(ctx, alert)
		}

		w.cfg.Audit.Log(audit.TypeSOS911NoResponse, map[string]any{
			"sender": expired.Sender,
			"name":   name,
			"gps":    gps,
		})
		w.logger.Warn("911 menu unanswered, escalated", "sender", expired.Sender, "name", name)
	}
}

// sweepRestrictions is the safety net behind lazy restriction expiry:
// it records expiries for senders who never messaged again.
func (w *Watchdog) sweepRestrictions(now time.Time) {
	for _, entry := range w.cfg.Store.SweepRestrictions(now) {
		w.cfg.Audit.Log(audit.TypeRestrictionExpired, map[string]any{
			"sender": entry.Sender,
			"name":   entry.Restriction.Name,
		})
		w.logger.Info("restriction expired", "sender", entry.Sender, "name", entry.Restriction.Name)
	}
}
