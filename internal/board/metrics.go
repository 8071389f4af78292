package board

import (
	"context"
	"log/slog"
	"time"
)

// RunStatsLogger logs a summary of every registered board every interval,
// until ctx is cancelled. Adapted from the teacher's RunMetrics room-stats
// loop, scoped to boards instead of voice/datagram traffic.
func RunStatsLogger(ctx context.Context, registry *Registry, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := registry.Boards()
			if len(stats) == 0 {
				continue
			}
			var clients, historyBytes int
			for _, st := range stats {
				clients += st.ClientCount
				historyBytes += st.HistoryLen
			}
			log.Info("board registry snapshot",
				"boards", len(stats),
				"clients", clients,
				"history_bytes", historyBytes,
			)
		}
	}
}
