package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/libertymesh/operator/internal/audit"
	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/llm"
	"github.com/libertymesh/operator/internal/prompts"
	"github.com/libertymesh/operator/internal/radio"
	"github.com/libertymesh/operator/internal/session"
)

// Worker is the single consumer of the LLM queue. One worker, one
// in-flight model call: the local backend serves one request at a time,
// and FIFO order keeps triage turns coherent.
type Worker struct {
	store    *session.Store
	queue    *Queue
	llm      *llm.Client
	sender   *radio.Sender
	auditLog *audit.Logger
	bus      *events.Bus
	logger   *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewWorker creates the queue consumer.
func NewWorker(store *session.Store, queue *Queue, client *llm.Client, sender *radio.Sender, auditLog *audit.Logger, bus *events.Bus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		queue:    queue,
		llm:      client,
		sender:   sender,
		auditLog: auditLog,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Run consumes items until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("ai worker started", "model", w.llm.Model())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ai worker shutting down")
			return
		case item, ok := <-w.queue.Items():
			if !ok {
				w.logger.Info("queue closed, ai worker stopping")
				return
			}
			w.Process(ctx, item)
			w.queue.Done()
		}
	}
}

// Process handles one queued item. A panic or model error never kills
// the worker; the sender gets a fixed error notice and the loop moves
// on.
func (w *Worker) Process(ctx context.Context, item Item) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ai worker panic recovered", "panic", r, "sender", item.Sender)
			w.fail(ctx, item, "panic")
		}
	}()

	// A triage item whose session closed while queued falls through to
	// general chat rather than being dropped.
	if item.Triage && w.store.Has(item.Sender) {
		w.processTriage(ctx, item)
		return
	}
	w.processGeneral(ctx, item)
}

func (w *Worker) processTriage(ctx context.Context, item Item) {
	now := w.now()
	sess, ok := w.store.AppendCitizen(item.Sender, item.Text, now)
	if !ok {
		// Closed between the Has check and the append.
		w.processGeneral(ctx, item)
		return
	}

	reply, err := w.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.Triage(sess)},
		{Role: llm.RoleUser, Content: item.Text},
	})
	if err != nil {
		w.logger.Error("triage completion failed", "sender", item.Sender, "error", err)
		w.fail(ctx, item, err.Error())
		return
	}
	if reply == "" {
		reply = fallbackTriage
	}

	// Session may have closed during the model call; still answer the
	// citizen, but skip the transcript write.
	if !w.store.AppendOperator(item.Sender, reply, w.now()) {
		w.logger.Debug("session closed during completion", "sender", item.Sender)
	}

	w.auditLog.Log(audit.TypeTriageExchange, map[string]any{
		"sender":   item.Sender,
		"incident": sess.Number,
		"message":  item.Text,
		"reply":    reply,
	})
	w.bus.Publish(events.Event{
		Source: events.SourceWorker,
		Kind:   events.KindTriageExchange,
		Data:   map[string]any{"sender": item.Sender, "incident": sess.Number},
	})

	w.sender.SendDM(ctx, reply+"\n"+prompts.SafeFooter, item.Sender, false)
}

func (w *Worker) processGeneral(ctx context.Context, item Item) {
	history := w.store.AppendUserTurn(item.Sender, item.Text)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompts.General()})
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}

	reply, err := w.llm.Complete(ctx, messages)
	if err != nil {
		w.logger.Error("general completion failed", "sender", item.Sender, "error", err)
		w.fail(ctx, item, err.Error())
		return
	}
	if reply == "" {
		reply = fallbackGeneral
	}

	w.store.AppendAssistantTurn(item.Sender, reply)

	w.auditLog.Log(audit.TypeGeneralExchange, map[string]any{
		"sender":  item.Sender,
		"message": item.Text,
		"reply":   reply,
	})
	w.bus.Publish(events.Event{
		Source: events.SourceWorker,
		Kind:   events.KindGeneralExchange,
		Data:   map[string]any{"sender": item.Sender},
	})

	w.sender.SendDM(ctx, reply, item.Sender, false)
}

// fail sends the fixed error notice and records the failure.
func (w *Worker) fail(ctx context.Context, item Item, cause string) {
	w.sender.SendDM(ctx, msgWorkerError, item.Sender, false)
	w.auditLog.Log(audit.TypeSystem, map[string]any{
		"event":  "ai_worker_error",
		"sender": item.Sender,
		"error":  cause,
	})
	w.bus.Publish(events.Event{
		Source: events.SourceWorker,
		Kind:   events.KindWorkerError,
		Data:   map[string]any{"sender": item.Sender, "error": cause},
	})
}
