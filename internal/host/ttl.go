package host

import (
	"context"
	"log/slog"
	"time"
)

// StartIdleSweeper runs a background goroutine that periodically unloads
// sessions idle for longer than ttl. Sessions with connected observers are
// never swept; an observer watching an idle agent keeps the session warm.
func (h *Host) StartIdleSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				h.sweepIdleSessions(ctx, ttl)
			case <-ctx.Done():
				slog.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (h *Host) sweepIdleSessions(ctx context.Context, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	var expired []string
	h.mu.RLock()
	for id, s := range h.sessions {
		if s.LastActive().Before(cutoff) && h.transport.ClientCount(id) == 0 {
			expired = append(expired, id)
		}
	}
	h.mu.RUnlock()

	if len(expired) == 0 {
		return
	}
	slog.Info("Idle sweeper found expired sessions", "count", len(expired))

	for _, id := range expired {
		if err := h.UnloadSession(ctx, id); err != nil {
			slog.Error("Idle sweeper failed to unload session", "session_id", id, "error", err)
			continue
		}
		slog.Info("Idle sweeper unloaded session", "session_id", id)
	}
}
