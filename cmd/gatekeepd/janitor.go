package main

import (
	"context"
	"log/slog"
	"time"
)

type pruner interface {
	Prune(ctx context.Context) (records int, entries int, err error)
}

// runJanitor prunes expired session records and store entries every interval
// until ctx is done.
func runJanitor(ctx context.Context, p pruner, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, entries, err := p.Prune(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "session prune failed", "error", err)
				continue
			}
			if records > 0 || entries > 0 {
				logger.InfoContext(ctx, "pruned expired sessions", "records", records, "entries", entries)
			}
		}
	}
}
