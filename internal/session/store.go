// Package session owns all per-sender dispatch state: triage sessions,
// the restricted list, pending 911 menus, pending cancel snapshots,
// last-dispatch tracking, general conversation history, and chat
// cooldowns.
//
// Every mutation happens under one exclusive guard. Cross-map actions
// (a restriction force-closing a triage and clearing a pending menu)
// stay atomic because there is exactly one lock. The guard is never
// held across radio or LLM calls — methods return snapshots and the
// callers do the slow work.
package session

import (
	"sort"
	"sync"
	"time"
)

// Role identifies who produced a triage exchange entry.
type Role string

// Exchange roles.
const (
	RoleCitizen  Role = "citizen"
	RoleOperator Role = "operator"
)

// Status tracks incident progress as reported by responders. It never
// affects triage routing.
type Status string

// Incident statuses.
const (
	StatusDispatched Status = "dispatched"
	StatusAcked      Status = "acked"
	StatusResponding Status = "responding"
)

// CloseReason records why a session ended.
type CloseReason string

// Close reasons.
const (
	ReasonSafe       CloseReason = "safe"
	ReasonTimeout    CloseReason = "timeout"
	ReasonRestricted CloseReason = "restricted"
	ReasonShutdown   CloseReason = "shutdown"
)

// Exchange is one entry in a triage transcript.
type Exchange struct {
	At   time.Time
	Role Role
	Text string
}

// Session is a triage session for one sender. At most one exists per
// sender at any time.
type Session struct {
	// ID is a UUID correlating audit records and the archive.
	ID string
	// Number is the display incident number.
	Number int

	Sender  string
	Name    string
	Trigger string
	Context string

	Lat    float64
	Lon    float64
	HasGPS bool

	// DispatchedTo is the responder the incident was routed to, or ""
	// when it went to all responders.
	DispatchedTo string
	Channel      int

	Status       Status
	StartedAt    time.Time
	LastActivity time.Time
	Exchanges    []Exchange
}

// Restriction is a responder-imposed lockout.
type Restriction struct {
	Name  string
	Until time.Time
	By    string
}

// RestrictionEntry pairs a restricted sender with its lockout, in the
// deterministic order used for cancel lists.
type RestrictionEntry struct {
	Sender      string
	Restriction Restriction
}

// Pending911 is a 911 menu awaiting a numeric selection.
type Pending911 struct {
	At      time.Time
	Lat     float64
	Lon     float64
	HasGPS  bool
	Channel int
}

// Turn is one general-chat history entry.
type Turn struct {
	Role    string
	Content string
}

// Verdict is the outcome of a general-chat cooldown check.
type Verdict struct {
	// OK is true when the message may proceed.
	OK bool
	// Wait is the remaining cooldown when OK is false.
	Wait time.Duration
	// Warn is true when a throttled warning should be sent.
	Warn bool
}

// Options tunes a Store.
type Options struct {
	// MaxExchanges bounds triage transcripts (default 12).
	MaxExchanges int
	// HistoryTurns bounds general-chat history (default 4).
	HistoryTurns int
	// Cooldown is the per-sender gap between general-chat messages.
	// Zero disables the cooldown.
	Cooldown time.Duration
	// WarnThrottle spaces out "please wait" warnings.
	WarnThrottle time.Duration
}

// Store holds all per-sender state under a single guard.
type Store struct {
	opts Options

	mu            sync.Mutex
	sessions      map[string]*Session
	restricted    map[string]Restriction
	pending911    map[string]Pending911
	pendingCancel map[string][]string
	lastDispatch  map[string]string
	history       map[string][]Turn
	lastValid     map[string]time.Time
	lastWarned    map[string]time.Time
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.MaxExchanges <= 2 {
		opts.MaxExchanges = 12
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 4
	}
	return &Store{
		opts:          opts,
		sessions:      make(map[string]*Session),
		restricted:    make(map[string]Restriction),
		pending911:    make(map[string]Pending911),
		pendingCancel: make(map[string][]string),
		lastDispatch:  make(map[string]string),
		history:       make(map[string][]Turn),
		lastValid:     make(map[string]time.Time),
		lastWarned:    make(map[string]time.Time),
	}
}

// --- Triage sessions ---

// Register inserts a new session. It is a no-op returning false when
// the sender already has one — at most one session per sender, always.
func (s *Store) Register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.Sender]; exists {
		return false
	}
	if sess.Status == "" {
		sess.Status = StatusDispatched
	}
	s.sessions[sess.Sender] = sess
	return true
}

// Has reports whether the sender has an open session.
func (s *Store) Has(sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sender]
	return ok
}

// Get returns a snapshot of the sender's session.
func (s *Store) Get(sender string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sender]
	if !ok {
		return Session{}, false
	}
	return snapshot(sess), true
}

// AppendCitizen records a citizen turn, trims the transcript, refreshes
// last-activity, and returns a snapshot for prompt building.
func (s *Store) AppendCitizen(sender, text string, now time.Time) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sender]
	if !ok {
		return Session{}, false
	}
	sess.Exchanges = append(sess.Exchanges, Exchange{At: now, Role: RoleCitizen, Text: text})
	sess.Exchanges = trim(sess.Exchanges, s.opts.MaxExchanges)
	sess.LastActivity = now
	return snapshot(sess), true
}

// AppendOperator records an operator turn and trims. Returns false when
// the session closed while the LLM call was in flight.
func (s *Store) AppendOperator(sender, text string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sender]
	if !ok {
		return false
	}
	sess.Exchanges = append(sess.Exchanges, Exchange{At: now, Role: RoleOperator, Text: text})
	sess.Exchanges = trim(sess.Exchanges, s.opts.MaxExchanges)
	return true
}

// SetStatus records a responder progress report.
func (s *Store) SetStatus(sender string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sender]
	if !ok {
		return false
	}
	sess.Status = status
	return true
}

// Close removes the sender's session and returns its final snapshot
// and duration.
func (s *Store) Close(sender string, now time.Time) (Session, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sender]
	if !ok {
		return Session{}, 0, false
	}
	delete(s.sessions, sender)
	dur := now.Sub(sess.StartedAt)
	if dur < 0 {
		dur = 0
	}
	return snapshot(sess), dur, true
}

// CloseAll removes every session, for shutdown.
func (s *Store) CloseAll(now time.Time) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for sender, sess := range s.sessions {
		out = append(out, snapshot(sess))
		delete(s.sessions, sender)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out
}

// Stale returns senders whose sessions have been idle past timeout.
func (s *Store) Stale(now time.Time, timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sender, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > timeout {
			out = append(out, sender)
		}
	}
	sort.Strings(out)
	return out
}

// SessionCount returns the number of open sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// trim bounds a transcript: the first two entries (the original
// emergency statement and the first operator turn) anchor the incident
// and are always preserved; the tail keeps the most recent entries.
func trim(ex []Exchange, max int) []Exchange {
	if len(ex) <= max {
		return ex
	}
	out := make([]Exchange, 0, max)
	out = append(out, ex[:2]...)
	out = append(out, ex[len(ex)-(max-2):]...)
	return out
}

func snapshot(sess *Session) Session {
	out := *sess
	out.Exchanges = make([]Exchange, len(sess.Exchanges))
	copy(out.Exchanges, sess.Exchanges)
	return out
}

// --- Restricted list ---

// Restrict locks out a sender and atomically clears any pending 911
// menu. The caller closes the triage session separately so the close
// can be audited with its own reason.
func (s *Store) Restrict(sender string, r Restriction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restricted[sender] = r
	delete(s.pending911, sender)
}

// CheckRestricted reports whether a sender is currently locked out.
// Expiry is lazy: an expired entry is removed here and returned with
// expired=true so the caller can audit it.
func (s *Store) CheckRestricted(sender string, now time.Time) (r Restriction, active, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.restricted[sender]
	if !ok {
		return Restriction{}, false, false
	}
	if now.After(entry.Until) {
		delete(s.restricted, sender)
		return entry, false, true
	}
	return entry, true, false
}

// Unrestrict lifts a lockout.
func (s *Store) Unrestrict(sender string) (Restriction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.restricted[sender]
	if !ok {
		return Restriction{}, false
	}
	delete(s.restricted, sender)
	return entry, true
}

// ActiveRestrictions returns unexpired lockouts in deterministic order
// (soonest expiry first, then sender ID).
func (s *Store) ActiveRestrictions(now time.Time) []RestrictionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RestrictionEntry
	for sender, entry := range s.restricted {
		if now.Before(entry.Until) {
			out = append(out, RestrictionEntry{Sender: sender, Restriction: entry})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Restriction.Until.Equal(out[j].Restriction.Until) {
			return out[i].Restriction.Until.Before(out[j].Restriction.Until)
		}
		return out[i].Sender < out[j].Sender
	})
	return out
}

// SweepRestrictions removes expired lockouts and returns them, the
// safety net behind lazy expiry.
func (s *Store) SweepRestrictions(now time.Time) []RestrictionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RestrictionEntry
	for sender, entry := range s.restricted {
		if now.After(entry.Until) {
			out = append(out, RestrictionEntry{Sender: sender, Restriction: entry})
			delete(s.restricted, sender)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out
}

// RestrictionCount returns the number of lockouts on file.
func (s *Store) RestrictionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restricted)
}

// --- Pending 911 menus ---

// SetPending911 records a menu awaiting a numeric selection.
func (s *Store) SetPending911(sender string, p Pending911) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending911[sender] = p
}

// TakePending911 removes and returns the sender's pending menu.
// Converting a menu to a dispatch or discarding it always clears the
// entry.
func (s *Store) TakePending911(sender string) (Pending911, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending911[sender]
	if ok {
		delete(s.pending911, sender)
	}
	return p, ok
}

// HasPending911 reports whether the sender has a menu outstanding.
func (s *Store) HasPending911(sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending911[sender]
	return ok
}

// SweepPending911 removes and returns menus older than timeout.
func (s *Store) SweepPending911(now time.Time, timeout time.Duration) []struct {
	Sender  string
	Pending Pending911
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []struct {
		Sender  string
		Pending Pending911
	}
	for sender, p := range s.pending911 {
		if now.Sub(p.At) > timeout {
			out = append(out, struct {
				Sender  string
				Pending Pending911
			}{sender, p})
			delete(s.pending911, sender)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out
}

// --- Pending cancel snapshots ---

// SetPendingCancel stores the ordered restricted-list snapshot shown to
// a responder. Numeric replies are interpreted against this snapshot,
// not the live list.
func (s *Store) SetPendingCancel(responder string, senders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCancel[responder] = senders
}

// PendingCancel returns the responder's outstanding snapshot.
func (s *Store) PendingCancel(responder string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.pendingCancel[responder]
	return list, ok
}

// ConsumePendingCancel discards the responder's snapshot after a
// successful removal.
func (s *Store) ConsumePendingCancel(responder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingCancel, responder)
}

// --- Last dispatch ---

// SetLastDispatch records the citizen most recently dispatched to a
// responder, the referent for that responder's restrict command.
func (s *Store) SetLastDispatch(responder, citizen string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDispatch[responder] = citizen
}

// LastDispatchTo returns the citizen most recently dispatched to a
// responder.
func (s *Store) LastDispatchTo(responder string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	citizen, ok := s.lastDispatch[responder]
	return citizen, ok
}

// --- General conversation history ---

// AppendUserTurn records a general-chat user turn and returns the
// capped history including it. Disjoint from triage transcripts.
func (s *Store) AppendUserTurn(sender, text string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[sender], Turn{Role: "user", Content: text})
	if len(h) > s.opts.HistoryTurns {
		h = h[len(h)-s.opts.HistoryTurns:]
	}
	s.history[sender] = h
	out := make([]Turn, len(h))
	copy(out, h)
	return out
}

// AppendAssistantTurn records a general-chat reply.
func (s *Store) AppendAssistantTurn(sender, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[sender], Turn{Role: "assistant", Content: text})
	if len(h) > s.opts.HistoryTurns {
		h = h[len(h)-s.opts.HistoryTurns:]
	}
	s.history[sender] = h
}

// --- Chat cooldown ---

// AllowGeneral applies the per-sender cooldown for non-emergency chat.
// On success the sender's timestamp is refreshed and any warning state
// cleared. On rejection, Warn is set at most once per throttle window
// so warnings cannot storm the radio.
func (s *Store) AllowGeneral(sender string, now time.Time) Verdict {
	if s.opts.Cooldown <= 0 {
		return Verdict{OK: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.lastValid[sender]
	if seen {
		elapsed := now.Sub(last)
		if elapsed < s.opts.Cooldown {
			v := Verdict{Wait: s.opts.Cooldown - elapsed}
			if now.Sub(s.lastWarned[sender]) > s.opts.WarnThrottle {
				s.lastWarned[sender] = now
				v.Warn = true
			}
			return v
		}
	}

	s.lastValid[sender] = now
	delete(s.lastWarned, sender)
	return Verdict{OK: true}
}
