package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Model:   captured.Model,
			Message: Message{Role: RoleAssistant, Content: "  Is the patient conscious?  \n"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "gemma3:latest", MaxTokens: 256})

	reply, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "triage prompt"},
		{Role: RoleUser, Content: "chest pain"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "Is the patient conscious?" {
		t.Errorf("reply = %q, not trimmed", reply)
	}

	if captured.Model != "gemma3:latest" {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.Stream {
		t.Error("stream requested; replies must be non-streaming")
	}
	if captured.Options == nil || captured.Options.NumPredict != 256 {
		t.Errorf("options = %+v", captured.Options)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != RoleSystem {
		t.Errorf("messages = %+v", captured.Messages)
	}
}

func TestCompleteEmptyReplyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "   "}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "m"})
	reply, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want empty (fallback is the caller's policy)", reply)
	}
}

func TestCompleteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "m"})
	if _, err := c.Complete(context.Background(), nil); err == nil {
		t.Fatal("Complete succeeded on HTTP 404")
	}
}

func TestCompleteHonorsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can notice the
		// client disconnect and cancel the request context; otherwise the
		// deferred srv.Close deadlocks on this hung handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := c.Complete(context.Background(), nil)
	if err == nil {
		t.Fatal("Complete succeeded against a hung backend")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping succeeded against a closed server")
	}
}
