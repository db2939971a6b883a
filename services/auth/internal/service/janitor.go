package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
)

type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (storage.PurgeStats, error)
}

// Janitor periodically deletes OTPs, verification tokens and refresh
// tokens that can no longer be used. Nothing depends on it for
// correctness, expiry is always checked when a record is read.
type Janitor struct {
	store     Purger
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics
	interval  time.Duration
	retention time.Duration
}

func NewJanitor(store Purger, clk clock.Clock, logger *slog.Logger, metrics *Metrics, interval, retention time.Duration) *Janitor {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
		interval:  interval,
		retention: retention,
	}
}

// Run purges once per interval until ctx is done. A non-positive interval
// disables the janitor.
func (j *Janitor) Run(ctx context.Context) error {
	if j.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-j.clock.After(j.interval):
			j.RunOnce(ctx)
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) storage.PurgeStats {
	stats, err := j.store.PurgeExpired(ctx, j.clock.Now(), j.retention)
	if err != nil {
		j.logger.Error("janitor purge failed", "error", err)
	}
	if j.metrics != nil {
		j.metrics.JanitorPurged.WithLabelValues("otps").Add(float64(stats.OTPs))
		j.metrics.JanitorPurged.WithLabelValues("email_verifications").Add(float64(stats.Verifications))
		j.metrics.JanitorPurged.WithLabelValues("refresh_tokens").Add(float64(stats.RefreshTokens))
	}
	if stats.OTPs+stats.Verifications+stats.RefreshTokens > 0 {
		j.logger.Info("janitor purged expired records",
			"otps", stats.OTPs,
			"email_verifications", stats.Verifications,
			"refresh_tokens", stats.RefreshTokens,
		)
	}
	return stats
}
