package signing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepBatch = 100

// Sweeper expires due contracts on a fixed interval so terminal status does not
// wait for the next request that touches them.
type Sweeper struct {
	coord    *Coordinator
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewSweeper(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{coord: coord, interval: interval, batch: defaultSweepBatch, logger: logger}
}

// Run sweeps until ctx is cancelled. A non-positive interval returns immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for {
		n, err := s.coord.Sweep(ctx, s.batch)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			s.logger.Info("expiry sweep", zap.Int("expired", n))
		}
		if n < s.batch {
			return
		}
	}
}
