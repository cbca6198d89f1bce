// Package connectivity watches network reachability and drives sync
// triggers.
//
// Platform connectivity signals are known to false-positive (captive
// portals, dead uplinks behind live Wi-Fi), so signals are treated as
// hints only: a hint schedules an immediate active probe, and the monitor
// changes state only after two confirming probes spaced a debounce
// interval apart. That keeps a flapping connection from causing sync
// storms.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/journal"
)

// Probe actively checks reachability of the sync backend.
type Probe interface {
	// Check returns nil when the backend is reachable.
	Check(ctx context.Context) error
}

// HTTPProbe performs a lightweight HEAD request against a health URL.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe creates a probe for the given health endpoint.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe got status %d", resp.StatusCode)
	}
	return nil
}

// Config holds monitor configuration.
type Config struct {
	// ProbeInterval is the cadence of routine reachability probes.
	ProbeInterval time.Duration

	// ConfirmDelay is the gap between the first disagreeing probe and
	// the confirming probe (debounce).
	ConfirmDelay time.Duration

	// SafetyNetInterval requests a sync round on a fixed timer while
	// online, independent of transitions.
	SafetyNetInterval time.Duration

	// Logger for monitor activity.
	Logger *zap.SugaredLogger

	// Journal receives online/offline transitions. Optional.
	Journal *journal.Journal

	// OnTransition is called after each confirmed transition with the
	// new state. Must not block. Optional.
	OnTransition func(online bool)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:     15 * time.Second,
		ConfirmDelay:      3 * time.Second,
		SafetyNetInterval: 60 * time.Second,
		Logger:            zap.NewNop().Sugar(),
	}
}

// RequestSyncFunc asks the sync engine for a round. Implementations must
// not block; the engine coalesces concurrent requests itself.
type RequestSyncFunc func(reason string)

// Monitor is the single-threaded connectivity watcher.
type Monitor struct {
	probe       Probe
	requestSync RequestSyncFunc
	config      *Config

	mu     sync.Mutex
	online bool

	hints chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. The monitor starts offline and flips online only
// after confirmed probes; requestSync is invoked on each offline→online
// transition and on the safety-net timer.
func New(probe Probe, requestSync RequestSyncFunc, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		probe:       probe,
		requestSync: requestSync,
		config:      config,
		hints:       make(chan bool, 8),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Online reports the current confirmed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SignalHint feeds a platform connectivity event into the monitor. Hints
// never flip state directly; they only schedule an immediate probe.
func (m *Monitor) SignalHint(online bool) {
	select {
	case m.hints <- online:
	default:
		// A full hint buffer means probes are already scheduled.
	}
}

// Start launches the watch loop and the safety-net timer.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.watchLoop()
	go m.safetyNetLoop()
}

// Stop shuts the monitor down and waits for its goroutines.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// watchLoop is the single-threaded state machine: routine probes on a
// ticker, immediate probes on hints, and two-step confirmation before any
// transition.
func (m *Monitor) watchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probeAndMaybeTransition()
		case <-m.hints:
			m.probeAndMaybeTransition()
		}
	}
}

// probeAndMaybeTransition runs one probe; if the result disagrees with
// the current state, it waits ConfirmDelay and probes again, flipping
// only when both probes agree.
func (m *Monitor) probeAndMaybeTransition() {
	observed := m.checkOnce()
	if observed == m.Online() {
		return
	}

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.ConfirmDelay):
	}

	confirmed := m.checkOnce()
	if confirmed != observed {
		m.config.Logger.Debugw("connectivity flap suppressed", "first", observed, "second", confirmed)
		return
	}

	m.setOnline(confirmed)
}

// checkOnce runs the probe with a bounded context.
func (m *Monitor) checkOnce() bool {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	return m.probe.Check(ctx) == nil
}

// setOnline commits a confirmed transition.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if was == online {
		return
	}

	state := map[bool]string{true: "online", false: "offline"}
	m.config.Logger.Infow("connectivity changed", "state", state[online])
	if m.config.Journal != nil {
		m.config.Journal.Record("connectivity", state[was], state[online], "")
	}

	if m.config.OnTransition != nil {
		m.config.OnTransition(online)
	}

	if online && m.requestSync != nil {
		m.requestSync("connectivity restored")
	}
}

// safetyNetLoop requests a round on a fixed cadence while online, so a
// missed trigger can never strand pending work.
func (m *Monitor) safetyNetLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SafetyNetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.Online() && m.requestSync != nil {
				m.requestSync("safety net timer")
			}
		}
	}
}
