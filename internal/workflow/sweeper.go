package workflow

import (
	"context"
	"time"

	"github.com/draftgate/draftgate/internal/preview"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = time.Hour
	defaultExpiredGrace  = 24 * time.Hour
	defaultRetention     = 90 * 24 * time.Hour
)

// SweeperConfig tunes the background deletion pass.
type SweeperConfig struct {
	Store *preview.Store
	// Interval between passes.
	Interval time.Duration
	// ExpiredGrace is how long past its deadline a pending preview survives
	// before hard deletion.
	ExpiredGrace time.Duration
	// Retention is how long any row survives regardless of status.
	Retention time.Duration
	Logger    *zap.Logger
}

// Sweeper periodically hard-deletes stale previews and aged-out rows. It
// runs independently of request handling and coordinates with foreground
// operations only through the store's transactions: it removes rows whose
// expired or terminal nature is already settled.
type Sweeper struct {
	store        *preview.Store
	interval     time.Duration
	expiredGrace time.Duration
	retention    time.Duration
	logger       *zap.Logger
}

// NewSweeper constructs a Sweeper with defaulted tuning.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	grace := cfg.ExpiredGrace
	if grace <= 0 {
		grace = defaultExpiredGrace
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		store:        cfg.Store,
		interval:     interval,
		expiredGrace: grace,
		retention:    retention,
		logger:       logger,
	}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.store.SweepExpired(ctx, s.expiredGrace)
	if err != nil {
		s.logger.Error("expired preview sweep failed", zap.Error(err))
	}
	aged, err := s.store.SweepRetention(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
	}
	if expired > 0 || aged > 0 {
		s.logger.Info("sweep completed",
			zap.Int64("expired_deleted", expired),
			zap.Int64("retention_deleted", aged))
	}
}
