package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/libertymesh/operator/internal/audit"
	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/radio"
	"github.com/libertymesh/operator/internal/session"
)

// contextLimit caps the free-text context carried on a dispatch line.
const contextLimit = 80

// Request describes one accepted SOS trigger.
type Request struct {
	Sender  string
	Name    string
	Channel int
	Trigger string
	// Context is the free text after the trigger token. May be empty.
	Context string
}

// Dispatcher starts a dispatch sequence. The router hands accepted
// triggers to it; the engine is the real implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request)
}

// EngineConfig holds the dependencies for an Engine.
type EngineConfig struct {
	Store      *session.Store
	Sender     *radio.Sender
	Directory  radio.Directory
	Queue      *Queue
	Audit      *audit.Logger
	Bus        *events.Bus
	Responders Responders
	Logger     *slog.Logger
	// FirstIncident seeds the monotonic incident counter, typically
	// from the archive's highest number.
	FirstIncident int
}

// Engine executes the ordered SOS send sequence: citizen ACK, safety
// note, responder dispatch, session registration, and the initial
// triage seed. It runs on its own goroutine per incident so the
// duty-cycle pacing inside the send helper never stalls the router's
// packet loop.
type Engine struct {
	store      *session.Store
	sender     *radio.Sender
	dir        radio.Directory
	queue      *Queue
	auditLog   *audit.Logger
	bus        *events.Bus
	responders Responders
	logger     *slog.Logger
	counter    atomic.Int64

	// now is stubbed in tests.
	now func() time.Time
}

// NewEngine creates a dispatch engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      cfg.Store,
		sender:     cfg.Sender,
		dir:        cfg.Directory,
		queue:      cfg.Queue,
		auditLog:   cfg.Audit,
		bus:        cfg.Bus,
		responders: cfg.Responders,
		logger:     logger,
		now:        time.Now,
	}
	e.counter.Store(int64(cfg.FirstIncident))
	return e
}

// Dispatch executes one SOS incident. Send failures are swallowed by
// the send helper; the session is registered regardless so follow-up
// traffic classifies correctly.
func (e *Engine) Dispatch(ctx context.Context, req Request) {
	lat, lon, hasGPS := radio.NodeGPS(e.dir, req.Sender)
	gps := gpsString(lat, lon, hasGPS)
	now := e.now()

	number := int(e.counter.Add(1))
	incidentID := newIncidentID()

	e.logger.Info("sos event",
		"incident", number,
		"trigger", req.Trigger,
		"sender", req.Sender,
		"name", req.Name,
		"gps", gps,
	)

	// Citizen ACK, then the safety note. The send helper enforces the
	// duty-cycle gap between them.
	ack := fmt.Sprintf("[SOS] %s RECEIVED. %s", strings.ToUpper(req.Trigger), gps)
	e.sender.SendDM(ctx, ack, req.Sender, true)
	e.sender.SendDM(ctx, msgSafetyNote, req.Sender, false)

	// Responder dispatch line.
	line := fmt.Sprintf("[DISPATCH] %s | From: %s | %s | Time: %s",
		strings.ToUpper(req.Trigger), req.Name, gps, now.Format("15:04:05"))
	if req.Context != "" {
		line += " | " + truncateContext(req.Context, contextLimit)
	}

	target := e.responders.Target(req.Trigger)
	all := e.responders.All()
	switch {
	case target != "":
		e.sender.SendDM(ctx, line, target, true)
		e.store.SetLastDispatch(target, req.Sender)
		e.logger.Info("dispatch routed", "incident", number, "to", target)
	case len(all) > 0:
		for _, responder := range all {
			e.sender.SendDM(ctx, line, responder, true)
			e.store.SetLastDispatch(responder, req.Sender)
		}
		e.logger.Info("dispatch sent to all responders", "incident", number, "count", len(all))
	default:
		e.sender.Broadcast(ctx, line)
		e.logger.Warn("no responders configured, dispatch broadcast to channel", "incident", number)
	}

	sess := &session.Session{
		ID:           incidentID,
		Number:       number,
		Sender:       req.Sender,
		Name:         req.Name,
		Trigger:      req.Trigger,
		Context:      req.Context,
		Lat:          lat,
		Lon:          lon,
		HasGPS:       hasGPS,
		DispatchedTo: target,
		Channel:      req.Channel,
		StartedAt:    now,
		LastActivity: now,
	}
	if req.Context != "" {
		sess.Exchanges = []session.Exchange{
			{At: now, Role: session.RoleCitizen, Text: req.Context},
		}
	}
	if !e.store.Register(sess) {
		// A session raced in while we were transmitting. Keep the
		// existing one; follow-up traffic stays on it.
		e.logger.Warn("session already open, dispatch not registered",
			"incident", number,
			"sender", req.Sender,
		)
	}

	e.auditLog.Log(audit.TypeSOSDispatch, map[string]any{
		"incident":    number,
		"incident_id": incidentID,
		"sender":      req.Sender,
		"name":        req.Name,
		"trigger":     req.Trigger,
		"context":     req.Context,
		"gps":         gps,
		"routed_to":   dispatchTargets(target, all),
	})
	e.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindSOSDispatched,
		Data: map[string]any{
			"incident":  number,
			"sender":    req.Sender,
			"trigger":   req.Trigger,
			"routed_to": dispatchTargets(target, all),
		},
	})

	// Seed the triage. With context, the LLM opens with a follow-up
	// question; without, a deterministic opener invites the first
	// message instead of spending a model call.
	if req.Context != "" {
		if !e.queue.Enqueue(Item{Sender: req.Sender, Text: req.Context, Channel: req.Channel, Triage: true}) {
			e.logger.Warn("queue full, triage seed dropped", "sender", req.Sender)
		}
	} else {
		e.sender.SendDM(ctx, msgTriageOpener, req.Sender, false)
	}
}

// dispatchTargets renders where a dispatch was routed for records.
func dispatchTargets(target string, all []string) string {
	switch {
	case target != "":
		return target
	case len(all) > 0:
		return "ALL_RESPONDERS"
	default:
		return "BROADCAST"
	}
}

// newIncidentID returns a UUIDv7 correlation ID, falling back to v4 if
// the clock source fails.
func newIncidentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
