package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libertymesh/operator/internal/radio"
)

// Beacon broadcasts numbered range-test pings on request. Field crews
// toggle it with !beacon while walking the coverage edge; the counter
// makes gaps in reception obvious.
type Beacon struct {
	sender   *radio.Sender
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	count   int
	by      string
}

// NewBeacon creates a stopped beacon.
func NewBeacon(sender *radio.Sender, interval time.Duration, logger *slog.Logger) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{sender: sender, interval: interval, logger: logger}
}

// Toggle flips the beacon and returns true when it is now running.
// Starting resets the ping counter.
func (b *Beacon) Toggle(requester string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = !b.running
	if b.running {
		b.count = 0
		b.by = requester
		b.logger.Info("range test started", "by", requester)
	} else {
		b.logger.Info("range test stopped", "by", requester, "pings", b.count)
	}
	return b.running
}

// Running reports whether the beacon is active.
func (b *Beacon) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Run ticks at the configured interval and broadcasts a ping whenever
// the beacon is toggled on.
func (b *Beacon) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Beacon) tick(ctx context.Context) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.count++
	n := b.count
	b.mu.Unlock()

	b.sender.Broadcast(ctx, fmt.Sprintf("[BEACON] Range Test Ping %d - The Operator", n))
}
