package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// Sweeper revokes expired and inactive tokens and warns on upcoming
// expiry. Row selection uses FOR UPDATE SKIP LOCKED, so any number of
// replicas can run the sweep concurrently without double-processing.
type Sweeper struct {
	store      storage.Store
	batchLimit int
	cron       *cron.Cron
}

// New creates a sweeper. batchLimit bounds how many tokens one
// transaction may touch.
func New(store storage.Store, batchLimit int) *Sweeper {
	if batchLimit <= 0 {
		batchLimit = 256
	}
	return &Sweeper{store: store, batchLimit: batchLimit}
}

// Start schedules the sweep at the given interval
func (s *Sweeper) Start(interval time.Duration) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	zl1 := log.WithComponent("sweeper")
	zl1.Info().Dur("interval", interval).Msg("token sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one full pass. Errors are logged, not returned: the next
// tick retries.
func (s *Sweeper) Sweep() {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired := func(tx storage.Store) selectFunc { return tx.SelectExpiredTokensForUpdate }
	inactive := func(tx storage.Store) selectFunc { return tx.SelectInactiveTokensForUpdate }

	if n, err := s.revokeBatches(ctx, "expired", expired); err != nil {
		zl2 := log.WithComponent("sweeper")
		zl2.Error().Err(err).Int("revoked", n).Msg("expiry sweep failed")
	} else if n > 0 {
		zl3 := log.WithComponent("sweeper")
		zl3.Info().Int("revoked", n).Msg("expired tokens revoked")
	}

	if n, err := s.revokeBatches(ctx, "inactive", inactive); err != nil {
		zl4 := log.WithComponent("sweeper")
		zl4.Error().Err(err).Int("revoked", n).Msg("inactivity sweep failed")
	} else if n > 0 {
		zl5 := log.WithComponent("sweeper")
		zl5.Info().Int("revoked", n).Msg("inactive tokens revoked")
	}

	if n, err := s.warnBatches(ctx); err != nil {
		zl6 := log.WithComponent("sweeper")
		zl6.Error().Err(err).Int("warned", n).Msg("warning sweep failed")
	} else if n > 0 {
		zl7 := log.WithComponent("sweeper")
		zl7.Info().Int("warned", n).Msg("expiring tokens flagged")
	}
}

type selectFunc func(ctx context.Context, now time.Time, limit int) ([]*types.Token, error)

// revokeBatches drains one revocation category in transactions of at
// most batchLimit tokens each. Selection runs inside the transaction
// so the row locks hold until commit.
func (s *Sweeper) revokeBatches(ctx context.Context, reason string, pick func(storage.Store) selectFunc) (int, error) {
	total := 0
	for {
		processed := 0
		err := s.store.WithinTx(ctx, func(tx storage.Store) error {
			now := time.Now().UTC()
			batch, err := pick(tx)(ctx, now, s.batchLimit)
			if err != nil {
				return err
			}
			for _, token := range batch {
				performed, err := tx.RevokeToken(ctx, token.TokenID, reason, now)
				if err != nil {
					return err
				}
				if !performed {
					continue
				}
				ev := audit.NewEvent(ctx, token.OrgID, types.AuditSourceToken, types.AuditTokenRevoked, "sweeper",
					"token "+token.TokenID+" revoked: "+reason)
				ev.TeamNodeID = &token.TeamNodeID
				ev.Details = types.JSONMap{"token_id": token.TokenID, "reason": reason}
				if err := tx.InsertAuditEvent(ctx, ev); err != nil {
					return err
				}
				processed++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += processed
		metrics.SweepRevocationsTotal.WithLabelValues(reason).Add(float64(processed))
		if processed < s.batchLimit {
			return total, nil
		}
	}
}

// warnBatches flags tokens entering their warn window, once per token
func (s *Sweeper) warnBatches(ctx context.Context) (int, error) {
	total := 0
	for {
		processed := 0
		err := s.store.WithinTx(ctx, func(tx storage.Store) error {
			now := time.Now().UTC()
			batch, err := tx.SelectExpiringTokensForUpdate(ctx, now, s.batchLimit)
			if err != nil {
				return err
			}
			for _, token := range batch {
				if err := tx.MarkTokenWarned(ctx, token.TokenID, now); err != nil {
					return err
				}
				ev := audit.NewEvent(ctx, token.OrgID, types.AuditSourceToken, types.AuditTokenWarned, "sweeper",
					"token "+token.TokenID+" expires soon")
				ev.TeamNodeID = &token.TeamNodeID
				ev.Details = types.JSONMap{"token_id": token.TokenID}
				if err := tx.InsertAuditEvent(ctx, ev); err != nil {
					return err
				}
				processed++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += processed
		if processed < s.batchLimit {
			return total, nil
		}
	}
}
