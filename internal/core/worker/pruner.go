package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/lifeline/internal/infra/storage"
)

// Pruner deletes synced receipts once they outlive the retention period.
type Pruner struct {
	retention time.Duration
	repo      storage.ActionRepository
	logger    *slog.Logger
	now       func() time.Time
	onPrune   func(ctx context.Context, removed int)
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.ActionRepository, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		retention: retention,
		repo:      repo,
		logger:    logger.With("component", "pruner"),
		now:       time.Now,
	}
}

// OnPrune registers fn to run after a prune removed at least one receipt.
func (p *Pruner) OnPrune(fn func(ctx context.Context, removed int)) {
	p.onPrune = fn
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// 10% of retention, clamped to [1m, 1h]
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass and returns the number of receipts removed.
func (p *Pruner) Prune(ctx context.Context) int {
	threshold := p.now().Add(-p.retention)

	removed, err := p.repo.DeleteSyncedOlderThan(ctx, threshold)
	if err != nil {
		p.logger.Error("Failed to prune synced receipts", "error", err)
		return 0
	}
	if removed > 0 {
		p.logger.Debug("Pruned synced receipts", "count", removed)
		if p.onPrune != nil {
			p.onPrune(ctx, removed)
		}
	}
	return removed
}
