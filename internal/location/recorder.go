// Package location records the GPS trail while the driver works a route.
//
// Samples are purely additive: they never conflict, and they are the
// first data shed under storage pressure. The sampling cadence adapts
// (a wider interval under low battery) as a policy knob, not a hard
// constraint.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/store"
)

// PositionSource supplies the device position.
type PositionSource interface {
	// Position returns the current fix. An error means no fix is
	// available; the tick is skipped.
	Position(ctx context.Context) (model.LocationSample, error)
}

// Config holds recorder configuration.
type Config struct {
	// Interval is the default sampling cadence.
	Interval time.Duration

	// LowBatteryMultiplier widens the cadence under low battery.
	LowBatteryMultiplier int

	// Logger for recorder activity.
	Logger *zap.SugaredLogger

	// OnQuotaPressure is invoked when an append hits the storage quota,
	// so the retention manager can shed prunable data. Optional.
	OnQuotaPressure func()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:             30 * time.Second,
		LowBatteryMultiplier: 4,
		Logger:               zap.NewNop().Sugar(),
	}
}

// Recorder samples and persists the GPS trail.
type Recorder struct {
	store     *store.Store
	source    PositionSource
	partition string // "<driver>/<day>/locations"
	metaPart  string // "<driver>/<day>/location-meta"
	config    *Config

	mu         sync.Mutex
	lowBattery bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a recorder persisting under the given partition prefix.
func New(st *store.Store, source PositionSource, partitionPrefix string, config *Config) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.LowBatteryMultiplier <= 0 {
		config.LowBatteryMultiplier = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		store:     st,
		source:    source,
		partition: partitionPrefix + "/locations",
		metaPart:  partitionPrefix + "/location-meta",
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetLowBattery switches the cadence policy. Takes effect on the next tick.
func (r *Recorder) SetLowBattery(low bool) {
	r.mu.Lock()
	r.lowBattery = low
	r.mu.Unlock()
}

// SetInterval replaces the base sampling cadence (config hot reload).
func (r *Recorder) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.config.Interval = d
	r.mu.Unlock()
}

// currentInterval returns the effective cadence under the battery policy.
func (r *Recorder) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lowBattery {
		return r.config.Interval * time.Duration(r.config.LowBatteryMultiplier)
	}
	return r.config.Interval
}

// Start launches the sampling loop.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.sampleLoop()
}

// Stop shuts the recorder down and waits for the loop.
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
}

// sampleLoop ticks at the effective cadence. The timer is re-armed each
// tick so cadence changes apply without restart.
func (r *Recorder) sampleLoop() {
	defer r.wg.Done()

	for {
		timer := time.NewTimer(r.currentInterval())
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.sampleOnce()
		}
	}
}

// sampleOnce takes one fix and appends it. No fix or quota pressure skips
// the sample; the trail is prunable data and must never block anything.
func (r *Recorder) sampleOnce() {
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	sample, err := r.source.Position(ctx)
	if err != nil {
		r.config.Logger.Debugw("no position fix", "error", err)
		return
	}
	if err := r.Append(ctx, sample); err != nil {
		r.config.Logger.Warnw("dropped location sample", "error", err)
	}
}

// Append persists one sample. On quota exhaustion the sample is dropped
// after signalling retention; GPS trail loss is acceptable, queue loss is
// not.
func (r *Recorder) Append(ctx context.Context, sample model.LocationSample) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := sampleKey(sample.CapturedAt)
	err = r.store.Put(ctx, r.partition, key, raw)
	if errors.Is(err, store.ErrQuotaExceeded) {
		if r.config.OnQuotaPressure != nil {
			r.config.OnQuotaPressure()
		}
		return err
	}
	return err
}

// Samples returns all samples captured strictly after the given time,
// oldest first.
func (r *Recorder) Samples(ctx context.Context, after time.Time) ([]model.LocationSample, error) {
	records, err := r.store.List(ctx, r.partition)
	if err != nil {
		return nil, err
	}
	var samples []model.LocationSample
	for _, rec := range records {
		var s model.LocationSample
		if err := json.Unmarshal(rec.Value, &s); err != nil {
			r.config.Logger.Warnw("skipping corrupt sample", "key", rec.Key, "error", err)
			continue
		}
		if s.CapturedAt.After(after) {
			samples = append(samples, s)
		}
	}
	return samples, nil
}

// UploadedThrough returns the capture time through which samples have
// been uploaded. Zero when nothing was uploaded yet.
func (r *Recorder) UploadedThrough(ctx context.Context) (time.Time, error) {
	raw, err := r.store.Get(ctx, r.metaPart, "uploaded-through")
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, fmt.Errorf("corrupt upload cursor: %w", err)
	}
	return t, nil
}

// MarkUploadedThrough advances the upload cursor.
func (r *Recorder) MarkUploadedThrough(ctx context.Context, t time.Time) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal upload cursor: %w", err)
	}
	return r.store.Put(ctx, r.metaPart, "uploaded-through", raw)
}

// PruneBefore deletes samples captured before the cutoff. Returns the
// number deleted.
func (r *Recorder) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	records, err := r.store.List(ctx, r.partition)
	if err != nil {
		return 0, err
	}
	var ops []store.Op
	boundary := sampleKey(cutoff)
	for _, rec := range records {
		// Keys sort chronologically, so the comparison works on keys.
		if rec.Key < boundary {
			ops = append(ops, store.Op{Kind: store.OpDelete, Partition: r.partition, Key: rec.Key})
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := r.store.Transaction(ctx, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// PruneOldest deletes up to n of the oldest samples. Returns the number
// deleted.
func (r *Recorder) PruneOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	records, err := r.store.List(ctx, r.partition)
	if err != nil {
		return 0, err
	}
	if len(records) < n {
		n = len(records)
	}
	var ops []store.Op
	for _, rec := range records[:n] {
		ops = append(ops, store.Op{Kind: store.OpDelete, Partition: r.partition, Key: rec.Key})
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := r.store.Transaction(ctx, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// sampleKey formats a capture time as a lexically sortable key.
func sampleKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}
