package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libertymesh/operator/internal/llm"
	"github.com/libertymesh/operator/internal/prompts"
	"github.com/libertymesh/operator/internal/session"
)

// llmStub is a fake Ollama chat endpoint. It records the last request
// and serves a fixed reply.
type llmStub struct {
	mu    sync.Mutex
	last  []llm.Message
	reply string
	fail  bool
}

func (s *llmStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.fail {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.last = req.Messages
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": s.reply},
			"done":    true,
		})
	}
}

func (s *llmStub) lastMessages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newTestWorker(t *testing.T, stub *llmStub) (*Worker, *fixture) {
	t.Helper()
	f := newFixture(t)
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	client := llm.New(llm.Config{BaseURL: srv.URL, Model: "gemma3:latest", Timeout: 5 * time.Second})
	w := NewWorker(f.store, f.queue, client, f.sender, nil, f.bus, slog.New(slog.DiscardHandler))
	w.now = func() time.Time { return fixedNow }
	return w, f
}

func TestWorkerTriageExchange(t *testing.T) {
	stub := &llmStub{reply: "Is anyone injured?"}
	w, f := newTestWorker(t, stub)
	f.openSession(t, citizenID)

	w.Process(context.Background(), Item{Sender: citizenID, Text: "barn is on fire", Triage: true})

	// The reply goes out with the deterministic safety footer.
	msgs := f.radio.textsTo(citizenID)
	if len(msgs) != 1 {
		t.Fatalf("citizen messages = %v", msgs)
	}
	if msgs[0] != "Is anyone injured?\n"+prompts.SafeFooter {
		t.Errorf("reply = %q", msgs[0])
	}

	// The system prompt came from the session snapshot.
	sent := stub.lastMessages()
	if len(sent) != 2 || sent[0].Role != llm.RoleSystem {
		t.Fatalf("llm messages = %+v", sent)
	}
	if !strings.Contains(sent[0].Content, "ACTIVE EMERGENCY") || !strings.Contains(sent[0].Content, "barn is on fire") {
		t.Errorf("system prompt missing session context: %q", sent[0].Content)
	}

	// Both turns landed in the transcript.
	sess, _ := f.store.Get(citizenID)
	if len(sess.Exchanges) != 2 {
		t.Fatalf("exchanges = %+v", sess.Exchanges)
	}
	if sess.Exchanges[0].Role != session.RoleCitizen || sess.Exchanges[1].Role != session.RoleOperator {
		t.Errorf("roles = %q, %q", sess.Exchanges[0].Role, sess.Exchanges[1].Role)
	}
}

func TestWorkerTriageItemWithClosedSessionFallsToGeneral(t *testing.T) {
	stub := &llmStub{reply: "All clear."}
	w, f := newTestWorker(t, stub)
	// No session open.

	w.Process(context.Background(), Item{Sender: citizenID, Text: "never mind", Triage: true})

	msgs := f.radio.textsTo(citizenID)
	if len(msgs) != 1 || strings.Contains(msgs[0], prompts.SafeFooter) {
		t.Fatalf("reply = %v, want general reply without footer", msgs)
	}
	sent := stub.lastMessages()
	if strings.Contains(sent[0].Content, "ACTIVE EMERGENCY") {
		t.Error("general chat used the triage prompt")
	}
}

func TestWorkerGeneralExchangeKeepsHistory(t *testing.T) {
	stub := &llmStub{reply: "Clear skies expected."}
	w, _ := newTestWorker(t, stub)

	w.Process(context.Background(), Item{Sender: citizenID, Text: "what's the weather"})
	w.Process(context.Background(), Item{Sender: citizenID, Text: "and tomorrow?"})

	sent := stub.lastMessages()
	// system + (capped) history ending with the newest user turn.
	if sent[0].Role != llm.RoleSystem || !strings.Contains(sent[0].Content, "The Operator") {
		t.Errorf("system prompt = %+v", sent[0])
	}
	if sent[len(sent)-1].Content != "and tomorrow?" {
		t.Errorf("last turn = %q", sent[len(sent)-1].Content)
	}
	var sawHistory bool
	for _, m := range sent {
		if m.Role == llm.RoleAssistant && m.Content == "Clear skies expected." {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("prior assistant turn missing from history")
	}
}

func TestWorkerEmptyReplyGetsFallback(t *testing.T) {
	stub := &llmStub{reply: "   "}
	w, f := newTestWorker(t, stub)
	f.openSession(t, citizenID)

	w.Process(context.Background(), Item{Sender: citizenID, Text: "hello?", Triage: true})

	if !containsText(f.radio.textsTo(citizenID), fallbackTriage) {
		t.Errorf("reply = %v, want triage fallback", f.radio.textsTo(citizenID))
	}

	f.radio.reset()
	w.Process(context.Background(), Item{Sender: "!00000002", Text: "hi"})
	if !containsText(f.radio.textsTo("!00000002"), fallbackGeneral) {
		t.Errorf("reply = %v, want general fallback", f.radio.textsTo("!00000002"))
	}
}

func TestWorkerModelFailureSendsErrorNotice(t *testing.T) {
	stub := &llmStub{fail: true}
	w, f := newTestWorker(t, stub)
	f.openSession(t, citizenID)

	w.Process(context.Background(), Item{Sender: citizenID, Text: "anyone there", Triage: true})

	if msgs := f.radio.textsTo(citizenID); len(msgs) != 1 || msgs[0] != msgWorkerError {
		t.Fatalf("reply = %v", msgs)
	}
	// The citizen turn is still recorded; losing it would drop triage
	// context that the next successful exchange needs.
	sess, _ := f.store.Get(citizenID)
	if len(sess.Exchanges) != 1 {
		t.Errorf("exchanges = %+v", sess.Exchanges)
	}
}

func TestWorkerRunConsumesQueue(t *testing.T) {
	stub := &llmStub{reply: "Understood."}
	w, f := newTestWorker(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	f.queue.Enqueue(Item{Sender: citizenID, Text: "hello"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.radio.textsTo(citizenID)) > 0 && f.queue.Depth() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never processed the queued item")
}
