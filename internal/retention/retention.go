// Package retention enforces storage bounds and data-age limits.
//
// Retention only ever touches prunable data: Synced action history and
// GPS trail samples. Pending, Syncing, and Dead actions and manual
// resolution entries represent unresolved work and are never purged
// automatically, whatever the storage pressure.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/store"
)

const (
	// DefaultSyncedTTL is how long Synced action history is kept.
	DefaultSyncedTTL = 24 * time.Hour

	// DefaultSampleTTL is how long GPS samples are kept.
	DefaultSampleTTL = 7 * 24 * time.Hour

	// shedChunk is how many records one shedding pass deletes before
	// re-checking usage.
	shedChunk = 64
)

// ActionPruner is the slice of the queue manager retention may use. The
// queue stays the single writer of its log; retention only asks.
type ActionPruner interface {
	PruneSynced(ctx context.Context, cutoff time.Time) (int, error)
	PruneSyncedOldest(ctx context.Context, n int) (int, error)
}

// SamplePruner is the slice of the location recorder retention may use.
type SamplePruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
	PruneOldest(ctx context.Context, n int) (int, error)
}

// Config holds retention configuration.
type Config struct {
	SyncedTTL time.Duration
	SampleTTL time.Duration

	// Now supplies the clock; defaults to time.Now.
	Now func() time.Time

	// Logger for retention activity.
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncedTTL: DefaultSyncedTTL,
		SampleTTL: DefaultSampleTTL,
		Now:       time.Now,
		Logger:    zap.NewNop().Sugar(),
	}
}

// Result summarizes one retention pass.
type Result struct {
	SyncedPruned  int
	SamplesPruned int
	UsageBytes    int64
}

// Manager runs retention passes against the store.
type Manager struct {
	store   *store.Store
	actions ActionPruner
	samples SamplePruner
	config  *Config
}

// New creates a retention manager.
func New(st *store.Store, actions ActionPruner, samples SamplePruner, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	return &Manager{store: st, actions: actions, samples: samples, config: config}
}

// Run performs one full retention pass: age-based pruning first, then
// quota-driven shedding if usage still exceeds the bound.
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	now := m.config.Now()

	n, err := m.actions.PruneSynced(ctx, now.Add(-m.config.SyncedTTL))
	if err != nil {
		return result, fmt.Errorf("failed to prune synced history: %w", err)
	}
	result.SyncedPruned += n

	n, err = m.samples.PruneBefore(ctx, now.Add(-m.config.SampleTTL))
	if err != nil {
		return result, fmt.Errorf("failed to prune location samples: %w", err)
	}
	result.SamplesPruned += n

	if err := m.shed(ctx, result, 0); err != nil {
		return result, err
	}

	usage, err := m.store.EstimateUsage(ctx)
	if err != nil {
		return result, err
	}
	result.UsageBytes = usage

	if result.SyncedPruned > 0 || result.SamplesPruned > 0 {
		m.config.Logger.Infow("retention pass complete",
			"synced_pruned", result.SyncedPruned,
			"samples_pruned", result.SamplesPruned,
			"usage_bytes", usage)
	}
	return result, nil
}

// Shed frees space under quota pressure without the age-based pass.
// Called when a write hit ErrQuotaExceeded.
func (m *Manager) Shed(ctx context.Context) (*Result, error) {
	return m.ShedFor(ctx, 0)
}

// ShedFor frees space until headroom additional bytes fit under the
// quota. Callers about to persist a record pass its expected size so the
// retry is not rejected by the same quota check.
func (m *Manager) ShedFor(ctx context.Context, headroom int64) (*Result, error) {
	result := &Result{}
	if err := m.shed(ctx, result, headroom); err != nil {
		return result, err
	}
	usage, err := m.store.EstimateUsage(ctx)
	if err != nil {
		return result, err
	}
	result.UsageBytes = usage
	return result, nil
}

// shed deletes oldest Synced history first, then oldest samples, until
// usage plus headroom fits the quota or nothing prunable remains.
func (m *Manager) shed(ctx context.Context, result *Result, headroom int64) error {
	for {
		usage, err := m.store.EstimateUsage(ctx)
		if err != nil {
			return err
		}
		if usage+headroom <= m.store.Quota() {
			return nil
		}

		n, err := m.actions.PruneSyncedOldest(ctx, shedChunk)
		if err != nil {
			return fmt.Errorf("failed to shed synced history: %w", err)
		}
		result.SyncedPruned += n
		if n > 0 {
			continue
		}

		n, err = m.samples.PruneOldest(ctx, shedChunk)
		if err != nil {
			return fmt.Errorf("failed to shed location samples: %w", err)
		}
		result.SamplesPruned += n
		if n == 0 {
			// Nothing prunable left; remaining data is unresolved
			// work and stays.
			m.config.Logger.Warnw("storage over quota with nothing prunable left",
				"usage_bytes", usage, "quota_bytes", m.store.Quota())
			return nil
		}
	}
}
