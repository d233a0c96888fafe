package generation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SettlementSweeper periodically retries holds left in settle_failed.
type SettlementSweeper struct {
	lister   SettlementLister
	orch     *Orchestrator
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

// NewSettlementSweeper builds a sweeper. A non-positive interval or batch
// falls back to one minute and 50 requests.
func NewSettlementSweeper(lister SettlementLister, orch *Orchestrator, interval time.Duration, batch int) *SettlementSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &SettlementSweeper{
		lister:   lister,
		orch:     orch,
		interval: interval,
		batch:    batch,
		log:      orch.log.With().Str("component", "settlement_sweeper").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *SettlementSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("settlement sweep failed")
			}
		}
	}
}

// Sweep retries one batch and returns how many holds are still unsettled.
func (s *SettlementSweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.lister.SettleFailedRequests(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	remaining := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return remaining, ctx.Err()
		}
		left, err := s.orch.RetrySettlements(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", id).Msg("settlement retry skipped")
			continue
		}
		remaining += left
	}
	if len(ids) > 0 {
		s.log.Info().Int("requests", len(ids)).Int("remaining", remaining).Msg("settlement sweep done")
	}
	return remaining, nil
}
