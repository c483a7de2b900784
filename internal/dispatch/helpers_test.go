package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/radio"
	"github.com/libertymesh/operator/internal/session"
)

const (
	gatewayID  = "!0000a11c"
	citizenID  = "!deadbeef"
	fireDeptID = "!000000f1"
	emsDeptID  = "!000000e1"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeRadio records transmissions.
type fakeRadio struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	Text    string
	Dest    string
	WantAck bool
}

func (f *fakeRadio) SendText(ctx context.Context, text, destination string, wantAck bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{text, destination, wantAck})
	return nil
}

func (f *fakeRadio) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeRadio) textsTo(dest string) []string {
	var out []string
	for _, m := range f.messages() {
		if m.Dest == dest {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeRadio) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// fakeDirectory is a fixed node directory.
type fakeDirectory map[string]radio.Node

func (d fakeDirectory) Node(id string) (radio.Node, bool) {
	n, ok := d[id]
	return n, ok
}

func (d fakeDirectory) NodeCount() int { return len(d) }

// fakeDispatcher captures dispatch requests on a channel so tests can
// wait for the router's dispatch goroutine.
type fakeDispatcher struct {
	ch chan Request
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan Request, 8)}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req Request) {
	d.ch <- req
}

// await returns the next dispatch request or fails the test.
func (d *fakeDispatcher) await(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-d.ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch request arrived")
		return Request{}
	}
}

// none asserts no dispatch was started.
func (d *fakeDispatcher) none(t *testing.T) {
	t.Helper()
	select {
	case req := <-d.ch:
		t.Fatalf("unexpected dispatch: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

// fixture wires a router with fakes. Zero send delays keep every send
// synchronous.
type fixture struct {
	store  *session.Store
	queue  *Queue
	radio  *fakeRadio
	sender *radio.Sender
	dir    fakeDirectory
	disp   *fakeDispatcher
	closer *Closer
	bus    *events.Bus
	beacon *Beacon
	router *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	f := &fixture{
		store: session.NewStore(session.Options{
			MaxExchanges: 12,
			Cooldown:     10 * time.Second,
			WarnThrottle: 10 * time.Second,
		}),
		queue: NewQueue(),
		radio: &fakeRadio{},
		dir: fakeDirectory{
			citizenID:  {ID: citizenID, LongName: "Ridge Cabin", Latitude: 35.12345, Longitude: -101.54321, HasGPS: true},
			fireDeptID: {ID: fireDeptID, LongName: "Fire Station"},
			emsDeptID:  {ID: emsDeptID, ShortName: "EMS1"},
		},
		disp: newFakeDispatcher(),
		bus:  events.New(),
	}
	f.sender = radio.NewSender(f.radio, radio.SenderConfig{Width: 180, Logger: logger})
	f.closer = NewCloser(f.store, nil, nil, f.bus, logger)
	f.beacon = NewBeacon(f.sender, time.Minute, logger)

	f.router = NewRouter(RouterConfig{
		Store:      f.store,
		Queue:      f.queue,
		Sender:     f.sender,
		Directory:  f.dir,
		Dispatcher: f.disp,
		Closer:     f.closer,
		Audit:      nil,
		Bus:        f.bus,
		Responders: Responders{
			"!fire": fireDeptID,
			"!ems":  emsDeptID,
		},
		Beacon:      f.beacon,
		Logger:      logger,
		LocalNode:   gatewayID,
		Channel:     0,
		StaleWindow: 10 * time.Second,
		QueueLimit:  2,
		Lockout:     2 * time.Hour,
	}, fixedNow)
	f.router.now = func() time.Time { return fixedNow }

	return f
}

// packet builds an inbound packet received at the fixture's clock.
func packet(from, text string) radio.Packet {
	return radio.Packet{
		From:    from,
		To:      gatewayID,
		Channel: 0,
		Text:    text,
		RxTime:  fixedNow,
	}
}

// handle runs one packet through the router.
func (f *fixture) handle(from, text string) {
	f.router.Handle(context.Background(), packet(from, text))
}

// openSession registers a triage session for citizenID routed to the
// fire department.
func (f *fixture) openSession(t *testing.T, sender string) {
	t.Helper()
	ok := f.store.Register(&session.Session{
		ID:           "test-incident",
		Number:       1,
		Sender:       sender,
		Name:         "Ridge Cabin",
		Trigger:      "!fire",
		DispatchedTo: fireDeptID,
		StartedAt:    fixedNow,
		LastActivity: fixedNow,
	})
	if !ok {
		t.Fatal("session already open")
	}
}

// drainQueue empties the work queue and returns the items.
func (f *fixture) drainQueue() []Item {
	var out []Item
	for {
		select {
		case item := <-f.queue.Items():
			f.queue.Done()
			out = append(out, item)
		default:
			return out
		}
	}
}

func containsText(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}
