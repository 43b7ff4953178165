package gateway

import (
	"context"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/ledger"
	"github.com/crestline-ai/llmgateway/internal/tracker"
)

// NewMaintenanceScheduler builds the cron scheduler that runs the gateway's
// periodic reaper tasks (§5, §4.F, §4.G): expiring stale billing
// reservations and purging request-tracker entries whose stream already
// ended without an explicit Untrack. Both run on their own schedule rather
// than a single shared ticker, matching how the teacher's background
// maintenance tasks are independently tunable in production.
func NewMaintenanceScheduler(l *ledger.Ledger, t *tracker.Tracker, logger *zap.Logger) *cron.Cron {
	c := cron.New()

	_ = c.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := l.ExpirePendingReservations(ctx, time.Now())
		if err != nil {
			logger.Error("ledger: expire pending reservations failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("ledger: expired stale reservations", zap.Int("count", n))
		}
	})

	_ = c.AddFunc("@every 5m", func() {
		purged := t.PurgeOlderThan(30 * time.Minute)
		if purged > 0 {
			logger.Info("tracker: purged stale request entries", zap.Int("count", purged))
		}
	})

	return c
}
