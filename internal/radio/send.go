package radio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TextSender is the slice of Radio the send helper needs.
type TextSender interface {
	SendText(ctx context.Context, text, destination string, wantAck bool) error
}

// SenderConfig tunes a Sender.
type SenderConfig struct {
	// Width is the word-safe wrap width. Capped at 200 to stay inside
	// the channel payload limit.
	Width int
	// ChunkDelay is the pause between chunks of one message.
	ChunkDelay time.Duration
	// Gap is the minimum spacing between any two transmissions,
	// respecting the link's duty cycle.
	Gap time.Duration
	Logger *slog.Logger
}

// Sender adapts arbitrary-length text to the slow link: word-safe
// wrapping, "[i/n]" pagination when a message needs multiple chunks,
// and enforced spacing between transmissions. Transport errors are
// logged and swallowed — callers in the dispatch path must never see
// them.
type Sender struct {
	radio      TextSender
	logger     *slog.Logger
	width      int
	chunkDelay time.Duration
	gap        time.Duration

	mu       sync.Mutex
	lastSend time.Time

	// sleep is stubbed in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewSender creates a send helper over the given transport.
func NewSender(radio TextSender, cfg SenderConfig) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	width := cfg.Width
	if width <= 0 || width > 200 {
		width = 180
	}
	return &Sender{
		radio:      radio,
		logger:     logger,
		width:      width,
		chunkDelay: cfg.ChunkDelay,
		gap:        cfg.Gap,
		sleep:      sleepCtx,
	}
}

// SendDM transmits a directed message, chunking as needed.
func (s *Sender) SendDM(ctx context.Context, text, to string, wantAck bool) {
	s.send(ctx, text, to, wantAck)
}

// Broadcast transmits to the whole channel, chunking as needed.
func (s *Sender) Broadcast(ctx context.Context, text string) {
	s.send(ctx, text, BroadcastID, false)
}

func (s *Sender) send(ctx context.Context, text, destination string, wantAck bool) {
	chunks := Wrap(text, s.width)
	total := len(chunks)

	for i, chunk := range chunks {
		if i > 0 {
			s.sleep(ctx, s.chunkDelay)
		}
		if total > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, total, chunk)
		}

		s.pace(ctx)
		if err := s.radio.SendText(ctx, chunk, destination, wantAck); err != nil {
			s.logger.Warn("radio send failed",
				"to", destination,
				"chunk", i+1,
				"of", total,
				"error", err,
			)
		}
		s.markSent()
	}
}

// pace blocks until the duty-cycle gap since the previous transmission
// has elapsed.
func (s *Sender) pace(ctx context.Context) {
	s.mu.Lock()
	wait := s.gap - time.Since(s.lastSend)
	s.mu.Unlock()
	if wait > 0 {
		s.sleep(ctx, wait)
	}
}

func (s *Sender) markSent() {
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Wrap splits text into word-safe chunks of at most width characters.
// Text that already fits is returned verbatim, preserving newlines —
// the 911 menu and the restricted list rely on their line breaks.
// Longer text is wrapped on whitespace; a single word longer than
// width is hard-split rather than dropped.
func Wrap(text string, width int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) <= width {
		return []string{trimmed}
	}

	words := strings.Fields(trimmed)

	var chunks []string
	var line strings.Builder

	flush := func() {
		if line.Len() > 0 {
			chunks = append(chunks, line.String())
			line.Reset()
		}
	}

	for _, word := range words {
		// Hard-split oversized words.
		for len(word) > width {
			flush()
			chunks = append(chunks, word[:width])
			word = word[width:]
		}
		if line.Len() > 0 && line.Len()+1+len(word) > width {
			flush()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	flush()

	return chunks
}
