package listsync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize      = 50
	defaultBatchPause     = 5 * time.Second
	defaultRateLimitPause = 60 * time.Second
)

var errMissingManager = errors.New("listsync: manager is required")

// BackfillConfig captures the dependencies for constructing a Backfill.
type BackfillConfig struct {
	Manager *Manager
	// BatchSize is the number of successful additions between pacing pauses.
	BatchSize int
	// BatchPause is the pacing pause between batches.
	BatchPause time.Duration
	// RateLimitPause is the cooldown after a 429 response.
	RateLimitPause time.Duration
	// Sleep is injectable for tests; the default honors ctx cancellation.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// BackfillResult is the final tally of one reconciliation pass.
// Added + Errored always equals Candidates.
type BackfillResult struct {
	Profiles   int
	Existing   int
	Candidates int
	Added      int
	Errored    int
}

// Backfill is the one-shot pass aligning remote list membership with the full
// local profile set. It pre-filters against current membership, so rerunning
// it never duplicates members.
type Backfill struct {
	manager        *Manager
	batchSize      int
	batchPause     time.Duration
	rateLimitPause time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *zap.Logger
}

// NewBackfill validates the configuration and returns a Backfill.
func NewBackfill(cfg BackfillConfig) (*Backfill, error) {
	if cfg.Manager == nil {
		return nil, errMissingManager
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchPause := cfg.BatchPause
	if batchPause <= 0 {
		batchPause = defaultBatchPause
	}
	rateLimitPause := cfg.RateLimitPause
	if rateLimitPause <= 0 {
		rateLimitPause = defaultRateLimitPause
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Backfill{
		manager:        cfg.Manager,
		batchSize:      batchSize,
		batchPause:     batchPause,
		rateLimitPause: rateLimitPause,
		sleep:          sleep,
		logger:         logger,
	}, nil
}

// Run reconciles dids against current remote membership: every did not yet on
// the list is added, with pacing pauses between batches and a cooldown on
// rate-limit responses. Individual failures are counted, not fatal.
func (b *Backfill) Run(ctx context.Context, dids []string) (BackfillResult, error) {
	result := BackfillResult{Profiles: len(dids)}

	existing, err := b.manager.ExistingMembers(ctx)
	if err != nil {
		return result, err
	}
	result.Existing = len(existing)
	b.logger.Info("remote membership enumerated", zap.Int("members", len(existing)))

	candidates := make([]string, 0, len(dids))
	for _, did := range dids {
		if _, ok := existing[did]; !ok {
			candidates = append(candidates, did)
		}
	}
	result.Candidates = len(candidates)
	b.logger.Info("backfill starting",
		zap.Int("profiles", result.Profiles),
		zap.Int("candidates", result.Candidates))

	for _, did := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if err := b.manager.AddMember(ctx, did); err != nil {
			result.Errored++
			b.logger.Warn("backfill add failed", zap.String("did", did), zap.Error(err))
			if errors.Is(err, ErrRateLimited) {
				b.logger.Info("rate limited, cooling down", zap.Duration("pause", b.rateLimitPause))
				if err := b.sleep(ctx, b.rateLimitPause); err != nil {
					return result, err
				}
			}
			continue
		}

		result.Added++
		b.logger.Info("backfill member added",
			zap.String("did", did),
			zap.Int("added", result.Added),
			zap.Int("candidates", result.Candidates))

		if result.Added%b.batchSize == 0 {
			b.logger.Info("pacing pause", zap.Duration("pause", b.batchPause))
			if err := b.sleep(ctx, b.batchPause); err != nil {
				return result, err
			}
		}
	}

	b.logger.Info("backfill complete",
		zap.Int("added", result.Added),
		zap.Int("errored", result.Errored))
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
