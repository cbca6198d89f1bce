package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cheez95/driversync/internal/model"
)

// ErrNoFix means no usable position is available.
var ErrNoFix = errors.New("location: no recent fix")

// LatestFix is a PositionSource fed by the platform shell. The shell
// reports fixes as they arrive; the recorder samples at its own cadence,
// so burst reporting never inflates the stored trail.
type LatestFix struct {
	// MaxAge bounds how stale a reported fix may be before Position
	// refuses it. Zero means 2 minutes.
	MaxAge time.Duration

	// Now supplies the clock; defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	sample model.LocationSample
	have   bool
}

// Report records the most recent fix from the platform.
func (f *LatestFix) Report(sample model.LocationSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = f.now()
	}
	f.sample = sample
	f.have = true
}

// Position implements PositionSource.
func (f *LatestFix) Position(_ context.Context) (model.LocationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.have {
		return model.LocationSample{}, ErrNoFix
	}
	maxAge := f.MaxAge
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	if f.now().Sub(f.sample.CapturedAt) > maxAge {
		return model.LocationSample{}, ErrNoFix
	}
	return f.sample, nil
}

func (f *LatestFix) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
