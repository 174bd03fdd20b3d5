package quotes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const (
	opSweep              = "quotes.sweep"
	defaultSweepBatch    = 200
	scheduleRetryBackoff = 30 * time.Second
)

var errInvalidCron = errors.New("invalid cron expression")

// ExpiryPolicy decides whether an open quote should expire.
type ExpiryPolicy interface {
	ShouldExpire(quote Quote, now time.Time) bool
}

// MaxAgePolicy expires quotes that have not changed for MaxAge.
type MaxAgePolicy struct {
	MaxAge time.Duration
}

func (p MaxAgePolicy) ShouldExpire(quote Quote, now time.Time) bool {
	if p.MaxAge <= 0 {
		return false
	}
	return now.Sub(quote.UpdatedAt) >= p.MaxAge
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int
	Expired int
	Skipped int
}

// Sweep walks open quotes in id order and expires the ones the policy selects. Quotes that
// moved concurrently are skipped.
func (e *Engine) Sweep(ctx context.Context, policy ExpiryPolicy, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	var result SweepResult
	after := ""
	for {
		var batch []Quote
		err := e.db.WithContext(ctx).
			Where("status IN ? AND id > ?", openStatuses(), after).
			Order("id ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			e.logError(opSweep, reasonQueryFailed, err)
			return result, apperrors.FromStore(opSweep, reasonQueryFailed, err)
		}
		now := e.clock().UTC()
		for _, quote := range batch {
			result.Scanned++
			after = quote.ID
			if !policy.ShouldExpire(quote, now) {
				continue
			}
			if _, err := e.Expire(ctx, quote.ID); err != nil {
				if apperrors.IsKind(err, apperrors.KindConflict) {
					result.Skipped++
					continue
				}
				return result, err
			}
			result.Expired++
		}
		if len(batch) < batchSize {
			return result, nil
		}
	}
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Engine    *Engine
	Policy    ExpiryPolicy
	Cron      string
	BatchSize int
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Sweeper runs Engine.Sweep on a cron schedule.
type Sweeper struct {
	engine    *Engine
	policy    ExpiryPolicy
	cron      string
	batchSize int
	logger    *zap.Logger
	clock     func() time.Time

	mu      sync.Mutex
	running bool
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Engine == nil || cfg.Policy == nil {
		return nil, errors.New("sweeper requires an engine and a policy")
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, errInvalidCron
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		engine:    cfg.Engine,
		policy:    cfg.Policy,
		cron:      cfg.Cron,
		batchSize: cfg.BatchSize,
		logger:    logger,
		clock:     clock,
	}, nil
}

// Run blocks until ctx ends, sweeping at every cron tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("quote expiry sweeper started", zap.String("cron", s.cron))
	for {
		next, err := gronx.NextTickAfter(s.cron, s.clock(), false)
		if err != nil {
			s.logger.Error("quote expiry next tick failed", zap.String("cron", s.cron), zap.Error(err))
			if !sleep(ctx, scheduleRetryBackoff) {
				return
			}
			continue
		}
		if !sleep(ctx, next.Sub(s.clock())) {
			s.logger.Info("quote expiry sweeper stopped")
			return
		}
		s.RunOnce(ctx)
	}
}

// RunOnce performs one sweep unless another is still in progress.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return SweepResult{}
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	result, err := s.engine.Sweep(ctx, s.policy, s.batchSize)
	if err != nil {
		s.logger.Error("quote expiry sweep failed", zap.Error(err))
	}
	s.logger.Info("quote expiry sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("expired", result.Expired),
		zap.Int("skipped", result.Skipped))
	return result
}

func sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
