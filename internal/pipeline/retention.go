package pipeline

import (
	"context"

	"go.uber.org/zap"
)

// Retention sweeps global-scope killmails older than the configured window.
// Campaign-scoped rows are never swept; campaigns are bounded by their dates
// and the surrounding application deletes them whole. Returns the number of
// rows removed.
func (p *Pipeline) Retention(ctx context.Context) (int64, error) {
	if p.cfg.RetentionMonths <= 0 {
		zap.L().Info("retention disabled")
		return 0, nil
	}
	cutoff := monthStart(p.now()).AddDate(0, -p.cfg.RetentionMonths, 0)
	n, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	zap.L().Info("retention sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", n),
	)
	return n, nil
}
