package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/libertymesh/operator/internal/audit"
	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/radio"
	"github.com/libertymesh/operator/internal/session"
)

// RouterConfig holds the dependencies and tunables for a Router.
type RouterConfig struct {
	Store      *session.Store
	Queue      *Queue
	Sender     *radio.Sender
	Directory  radio.Directory
	Dispatcher Dispatcher
	Closer     *Closer
	Audit      *audit.Logger
	Bus        *events.Bus
	Responders Responders
	Beacon     *Beacon
	Logger     *slog.Logger

	// LocalNode is the gateway's own ID, for echo suppression.
	LocalNode string
	// Channel is the only channel slot the router accepts.
	Channel int
	// StaleWindow guards against the radio's replay of buffered
	// packets at connect. Choose it larger than the radio's buffer
	// horizon but smaller than typical human response latency.
	StaleWindow time.Duration
	// QueueLimit is the depth beyond which general chat is bounced.
	QueueLimit int
	// Lockout is the restriction duration applied by responder !spam.
	Lockout time.Duration
}

// Router is the sole inbound entry point. It classifies every received
// packet, enforces the gating order, and hands work to the dispatcher
// or the queue. It never blocks on anything but the send helper — the
// LLM is always reached through the queue, and multi-step dispatch
// runs on the dispatcher's own goroutine.
type Router struct {
	cfg      RouterConfig
	logger   *slog.Logger
	bootTime time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// NewRouter creates a router. bootTime anchors the stale-packet guard.
func NewRouter(cfg RouterConfig, bootTime time.Time) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		logger:   logger,
		bootTime: bootTime,
		now:      time.Now,
	}
}

// Run consumes packets until the channel closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, packets <-chan radio.Packet) {
	r.logger.Info("router started", "channel", r.cfg.Channel)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router shutting down")
			return
		case pkt, ok := <-packets:
			if !ok {
				r.logger.Info("packet channel closed, router stopping")
				return
			}
			r.Handle(ctx, pkt)
		}
	}
}

// Handle processes one inbound packet through the fixed gating order.
func (r *Router) Handle(ctx context.Context, pkt radio.Packet) {
	text := strings.TrimSpace(pkt.Text)

	// Filter: no text, no sender, echo, wrong channel.
	if text == "" || pkt.From == "" {
		return
	}
	if pkt.From == r.cfg.LocalNode {
		return
	}
	if pkt.Channel != r.cfg.Channel {
		return
	}

	// Stale-packet guard: the radio replays buffered packets at
	// connect; anything older than boot minus the window is history,
	// not a live request.
	if pkt.RxTime.Before(r.bootTime.Add(-r.cfg.StaleWindow)) {
		r.logger.Debug("stale packet dropped",
			"sender", pkt.From,
			"rx_time", pkt.RxTime,
		)
		return
	}

	now := r.now()
	name := radio.NodeName(r.cfg.Directory, pkt.From)
	msgLower := strings.ToLower(text)

	r.logger.Info("rx", "sender", pkt.From, "name", name, "message", text)
	r.cfg.Audit.Log(audit.TypeRX, map[string]any{
		"sender":  pkt.From,
		"name":    name,
		"message": text,
	})
	r.cfg.Bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   events.KindPacketReceived,
		Data: map[string]any{
			"sender":      pkt.From,
			"name":        name,
			"message_len": len(text),
			"channel":     pkt.Channel,
		},
	})

	// Responder-only commands come before the restriction gate, but
	// only for actual responders.
	if r.cfg.Responders.Contains(pkt.From) {
		if r.handleResponderCommand(ctx, pkt, msgLower, name, now) {
			return
		}
	}

	// Restriction gate: one notice, nothing else.
	if entry, active, expired := r.cfg.Store.CheckRestricted(pkt.From, now); active {
		r.cfg.Sender.SendDM(ctx, msgRestricted, pkt.From, false)
		return
	} else if expired {
		r.cfg.Audit.Log(audit.TypeRestrictionExpired, map[string]any{
			"sender": pkt.From,
			"name":   entry.Name,
		})
	}

	switch msgLower {
	case "!ping":
		r.cfg.Sender.SendDM(ctx, msgPong, pkt.From, false)
		r.auditCommand(pkt.From, "ping")
		return

	case "!status":
		r.cfg.Sender.SendDM(ctx, r.statusLine(), pkt.From, false)
		r.auditCommand(pkt.From, "status")
		return

	case "!safe":
		r.handleSafe(ctx, pkt, name, now)
		return

	case "!beacon":
		if r.cfg.Beacon != nil {
			if r.cfg.Beacon.Toggle(pkt.From) {
				r.cfg.Sender.SendDM(ctx, fmt.Sprintf("[SYSTEM] Range test STARTED for %s.", name), pkt.From, false)
			} else {
				r.cfg.Sender.SendDM(ctx, "[SYSTEM] Range test STOPPED.", pkt.From, false)
			}
			r.auditCommand(pkt.From, "beacon")
			return
		}

	case "!911":
		r.handle911(ctx, pkt, name, now)
		return
	}

	// Numeric reply to an outstanding 911 menu.
	if trigger, ok := menu911Map[msgLower]; ok && r.cfg.Store.HasPending911(pkt.From) {
		r.handle911Selection(ctx, pkt, name, trigger)
		return
	}

	// Direct SOS triggers. While a session is open, a fresh token is
	// triage context, not a new incident.
	if trigger := matchTrigger(msgLower); trigger != "" {
		if r.cfg.Store.Has(pkt.From) {
			r.enqueueTriage(pkt, text)
			return
		}
		detail := strings.TrimSpace(text[len(trigger):])
		go r.cfg.Dispatcher.Dispatch(ctx, Request{
			Sender:  pkt.From,
			Name:    name,
			Channel: pkt.Channel,
			Trigger: trigger,
			Context: detail,
		})
		return
	}

	// Active triage routes everything through the session.
	if r.cfg.Store.Has(pkt.From) {
		r.enqueueTriage(pkt, text)
		return
	}

	// General chat only past this point: per-sender cooldown, then the
	// queue-depth gate. SOS and commands never reach either.
	if v := r.cfg.Store.AllowGeneral(pkt.From, now); !v.OK {
		if v.Warn {
			r.cfg.Sender.SendDM(ctx,
				fmt.Sprintf("[SYSTEM] Operator is busy. Please wait %ds.", int(v.Wait.Seconds())+1),
				pkt.From, false)
		} else {
			r.logger.Debug("cooldown silent drop", "sender", pkt.From)
		}
		return
	}

	if r.cfg.Queue.Depth() > r.cfg.QueueLimit {
		r.logger.Warn("queue full, bouncing", "depth", r.cfg.Queue.Depth(), "sender", pkt.From)
		r.cfg.Sender.SendDM(ctx, msgBusy, pkt.From, false)
		r.cfg.Audit.Log(audit.TypeBouncerDrop, map[string]any{
			"sender":  pkt.From,
			"name":    name,
			"message": text,
		})
		r.cfg.Bus.Publish(events.Event{
			Source: events.SourceRouter,
			Kind:   events.KindQueueDrop,
			Data:   map[string]any{"sender": pkt.From, "depth": r.cfg.Queue.Depth()},
		})
		return
	}

	if !r.cfg.Queue.Enqueue(Item{Sender: pkt.From, Text: text, Channel: pkt.Channel}) {
		r.cfg.Sender.SendDM(ctx, msgBusy, pkt.From, false)
	}
}

// enqueueTriage puts a message on the queue as triage work. Triage is
// never subject to the depth gate; the buffer is sized so this cannot
// reject in practice.
func (r *Router) enqueueTriage(pkt radio.Packet, text string) {
	if !r.cfg.Queue.Enqueue(Item{Sender: pkt.From, Text: text, Channel: pkt.Channel, Triage: true}) {
		r.logger.Error("queue overflow dropped triage message", "sender", pkt.From)
	}
}

// handleResponderCommand processes !spam, !cancel, !ack, !enroute, and
// numeric replies against a pending cancel list. Returns true when the
// packet was consumed.
func (r *Router) handleResponderCommand(ctx context.Context, pkt radio.Packet, msgLower, responderName string, now time.Time) bool {
	switch msgLower {
	case "!spam":
		r.handleRestrict(ctx, pkt, now)
		return true
	case "!cancel":
		r.handleCancelList(ctx, pkt, now)
		return true
	case "!ack":
		r.handleProgress(ctx, pkt, responderName, session.StatusAcked)
		return true
	case "!enroute":
		r.handleProgress(ctx, pkt, responderName, session.StatusResponding)
		return true
	}

	if isDigits(msgLower) {
		r.handleCancelSelection(ctx, pkt, msgLower)
		return true
	}
	return false
}

// handleRestrict locks out the citizen most recently dispatched to
// this responder.
func (r *Router) handleRestrict(ctx context.Context, pkt radio.Packet, now time.Time) {
	citizen, ok := r.cfg.Store.LastDispatchTo(pkt.From)
	if !ok {
		r.cfg.Sender.SendDM(ctx, msgNoRecentDispatch, pkt.From, false)
		return
	}

	citizenName := radio.NodeName(r.cfg.Directory, citizen)

	// Force-close any open triage first so the close reason is
	// recorded as restricted.
	if _, closed := r.cfg.Closer.Close(citizen, session.ReasonRestricted, now); closed {
		r.cfg.Sender.SendDM(ctx,
			fmt.Sprintf("[RESTRICTED] Triage for %s force-closed.", citizenName),
			pkt.From, false)
	}

	// Restrict also clears any pending 911 menu atomically.
	r.cfg.Store.Restrict(citizen, session.Restriction{
		Name:  citizenName,
		Until: now.Add(r.cfg.Lockout),
		By:    pkt.From,
	})

	minutes := int(r.cfg.Lockout.Minutes())
	r.cfg.Sender.SendDM(ctx,
		fmt.Sprintf("[RESTRICTED] %s locked out for %d min.", citizenName, minutes),
		pkt.From, false)
	r.cfg.Sender.SendDM(ctx, msgRestricted, citizen, false)

	r.cfg.Audit.Log(audit.TypeRestricted, map[string]any{
		"sender":           citizen,
		"name":             citizenName,
		"duration_minutes": minutes,
		"locked_by":        pkt.From,
	})
	r.cfg.Bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   events.KindRestricted,
		Data:   map[string]any{"sender": citizen, "by": pkt.From, "minutes": minutes},
	})
	r.logger.Info("sender restricted",
		"sender", citizen,
		"name", citizenName,
		"by", pkt.From,
		"minutes", minutes,
	)
}

// handleCancelList snapshots the active restrictions and sends the
// numbered list. Numeric replies are interpreted against this
// snapshot, not the live list.
func (r *Router) handleCancelList(ctx context.Context, pkt radio.Packet, now time.Time) {
	entries := r.cfg.Store.ActiveRestrictions(now)
	if len(entries) == 0 {
		r.cfg.Sender.SendDM(ctx, msgEmptyList, pkt.From, false)
		return
	}

	lines := []string{"[RESTRICTED LIST]"}
	snapshot := make([]string, 0, len(entries))
	for i, entry := range entries {
		remaining := int(entry.Restriction.Until.Sub(now).Minutes())
		lines = append(lines, fmt.Sprintf("%d. %s — %d min left", i+1, entry.Restriction.Name, remaining))
		snapshot = append(snapshot, entry.Sender)
	}
	lines = append(lines, "Reply with number to remove.")

	r.cfg.Store.SetPendingCancel(pkt.From, snapshot)
	r.cfg.Sender.SendDM(ctx, strings.Join(lines, "\n"), pkt.From, false)
	r.auditCommand(pkt.From, "cancel_list")
}

// handleCancelSelection applies a numeric reply to the responder's
// snapshot. The snapshot is consumed by a successful removal; a digit
// with no snapshot outstanding is invalid.
func (r *Router) handleCancelSelection(ctx context.Context, pkt radio.Packet, digits string) {
	list, ok := r.cfg.Store.PendingCancel(pkt.From)
	if !ok {
		r.cfg.Sender.SendDM(ctx, msgInvalidNumber, pkt.From, false)
		return
	}

	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 1 || idx > len(list) {
		r.cfg.Sender.SendDM(ctx, msgInvalidNumber, pkt.From, false)
		return
	}

	citizen := list[idx-1]
	removed, wasRestricted := r.cfg.Store.Unrestrict(citizen)
	r.cfg.Store.ConsumePendingCancel(pkt.From)

	if !wasRestricted {
		r.cfg.Sender.SendDM(ctx, msgAlreadyRemoved, pkt.From, false)
		return
	}

	r.cfg.Sender.SendDM(ctx,
		fmt.Sprintf("[SYSTEM] %s removed from restricted list.", removed.Name),
		pkt.From, false)
	r.cfg.Sender.SendDM(ctx, msgAccessRestored, citizen, false)

	r.cfg.Audit.Log(audit.TypeRestrictionLifted, map[string]any{
		"sender":    citizen,
		"name":      removed.Name,
		"lifted_by": pkt.From,
	})
	r.logger.Info("restriction lifted", "sender", citizen, "by", pkt.From)
}

// handleProgress records a responder ACK or en-route report against
// the citizen they were last dispatched to. Progress never affects
// triage routing; it is recorded and relayed.
func (r *Router) handleProgress(ctx context.Context, pkt radio.Packet, responderName string, status session.Status) {
	citizen, ok := r.cfg.Store.LastDispatchTo(pkt.From)
	if !ok || !r.cfg.Store.SetStatus(citizen, status) {
		r.cfg.Sender.SendDM(ctx, msgNoRecentDispatch, pkt.From, false)
		return
	}

	var citizenNote, relayNote string
	if status == session.StatusAcked {
		citizenNote = fmt.Sprintf("[SOS] Responder %s has acknowledged your emergency.", responderName)
		relayNote = fmt.Sprintf("[STATUS] %s acknowledged the incident for %s.", responderName, radio.NodeName(r.cfg.Directory, citizen))
	} else {
		citizenNote = fmt.Sprintf("[SOS] Responder %s is en route.", responderName)
		relayNote = fmt.Sprintf("[STATUS] %s is en route for %s.", responderName, radio.NodeName(r.cfg.Directory, citizen))
	}

	r.cfg.Sender.SendDM(ctx, citizenNote, citizen, false)
	for _, other := range r.cfg.Responders.All() {
		if other != pkt.From {
			r.cfg.Sender.SendDM(ctx, relayNote, other, false)
		}
	}
	r.cfg.Audit.Log(audit.TypeCommand, map[string]any{
		"sender":  pkt.From,
		"command": string(status),
		"citizen": citizen,
	})
}

// handleSafe closes the sender's session and notifies responders.
func (r *Router) handleSafe(ctx context.Context, pkt radio.Packet, name string, now time.Time) {
	sess, ok := r.cfg.Closer.Close(pkt.From, session.ReasonSafe, now)
	if !ok {
		r.cfg.Sender.SendDM(ctx, msgNoActiveSOS, pkt.From, false)
		return
	}

	cancelMsg := fmt.Sprintf("[CANCELLED] %s from %s marked SAFE by sender. Use your judgment.",
		strings.ToUpper(sess.Trigger), name)

	all := r.cfg.Responders.All()
	switch {
	case sess.DispatchedTo != "":
		r.cfg.Sender.SendDM(ctx, cancelMsg, sess.DispatchedTo, false)
	case len(all) > 0:
		for _, responder := range all {
			r.cfg.Sender.SendDM(ctx, cancelMsg, responder, false)
		}
	default:
		r.cfg.Sender.Broadcast(ctx, cancelMsg)
	}

	r.cfg.Sender.SendDM(ctx, msgSafeAck, pkt.From, false)
}

// handle911 captures GPS, sends the ACK and the fixed menu, and parks
// a pending entry awaiting the numeric selection.
func (r *Router) handle911(ctx context.Context, pkt radio.Packet, name string, now time.Time) {
	lat, lon, hasGPS := radio.NodeGPS(r.cfg.Directory, pkt.From)

	r.cfg.Sender.SendDM(ctx, fmt.Sprintf("[SOS] 911 RECEIVED. %s", gpsString(lat, lon, hasGPS)), pkt.From, true)
	r.cfg.Sender.SendDM(ctx, menu911, pkt.From, false)

	r.cfg.Store.SetPending911(pkt.From, session.Pending911{
		At:      now,
		Lat:     lat,
		Lon:     lon,
		HasGPS:  hasGPS,
		Channel: pkt.Channel,
	})

	r.cfg.Audit.Log(audit.TypeSOS911Triggered, map[string]any{
		"sender": pkt.From,
		"name":   name,
		"gps":    gpsString(lat, lon, hasGPS),
	})
	r.cfg.Bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   events.KindMenu911Sent,
		Data:   map[string]any{"sender": pkt.From},
	})
	r.logger.Info("911 menu sent", "sender", pkt.From, "name", name)
}

// handle911Selection converts a pending menu into a dispatch (1-4) or
// a false alarm (5).
func (r *Router) handle911Selection(ctx context.Context, pkt radio.Packet, name, trigger string) {
	if _, ok := r.cfg.Store.TakePending911(pkt.From); !ok {
		return
	}

	if trigger == falseAlarm {
		r.cfg.Sender.SendDM(ctx, msgNoEmergency, pkt.From, false)
		r.cfg.Audit.Log(audit.TypeSOSFalseAlarm, map[string]any{
			"sender": pkt.From,
			"name":   name,
			"method": "911_menu",
		})
		r.logger.Info("911 false alarm", "sender", pkt.From, "name", name)
		return
	}

	go r.cfg.Dispatcher.Dispatch(ctx, Request{
		Sender:  pkt.From,
		Name:    name,
		Channel: pkt.Channel,
		Trigger: trigger,
	})
}

// statusLine renders the !status reply.
func (r *Router) statusLine() string {
	nodeCount := 0
	if r.cfg.Directory != nil {
		nodeCount = r.cfg.Directory.NodeCount()
	}
	return fmt.Sprintf(
		"[SYSTEM] Operator Online | Queue: %d | Nodes: %d | Responders: %d | Triage: %d | Restricted: %d",
		r.cfg.Queue.Depth(),
		nodeCount,
		len(r.cfg.Responders.All()),
		r.cfg.Store.SessionCount(),
		r.cfg.Store.RestrictionCount(),
	)
}

func (r *Router) auditCommand(sender, command string) {
	r.cfg.Audit.Log(audit.TypeCommand, map[string]any{
		"sender":  sender,
		"command": command,
	})
}
