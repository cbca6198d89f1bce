package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/journal"
	"github.com/cheez95/driversync/internal/location"
	"github.com/cheez95/driversync/internal/manual"
	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/queue"
	"github.com/cheez95/driversync/internal/retention"
	"github.com/cheez95/driversync/internal/store"
)

// Engine states.
const (
	StateIdle        = "idle"
	StatePulling     = "pulling"
	StatePushing     = "pushing"
	StateReconciling = "reconciling"
	StateBackoff     = "backoff"
)

// enqueueHeadroom is the space shed ahead of persisting a new action so
// the retry after quota pressure is not rejected by the same check.
const enqueueHeadroom = 1 << 10

// EventKind tags events emitted to the status surface.
type EventKind string

const (
	// EventRoundCompleted fires after every round, success or not.
	EventRoundCompleted EventKind = "round_completed"

	// EventServerWon fires when the resolver discarded a local action
	// in favor of server state; the driver needs to see this.
	EventServerWon EventKind = "server_won"

	// EventActionDead fires when an action will never be retried.
	EventActionDead EventKind = "action_dead"

	// EventManualNeeded fires when a conflict awaits a human decision.
	EventManualNeeded EventKind = "manual_needed"
)

// Event is one engine notification for the status surface.
type Event struct {
	Kind      EventKind     `json:"kind"`
	ActionKey string        `json:"action_key,omitempty"`
	StopID    string        `json:"stop_id,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Summary   *RoundSummary `json:"summary,omitempty"`
}

// RoundSummary describes one completed (or failed) sync round.
type RoundSummary struct {
	Reason         string        `json:"reason"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Pushed         int           `json:"pushed"`
	Accepted       int           `json:"accepted"`
	Rejected       int           `json:"rejected"`
	Conflicts      int           `json:"conflicts"`
	CursorAdvanced bool          `json:"cursor_advanced"`
	Error          string        `json:"error,omitempty"`
}

// Config holds engine configuration.
type Config struct {
	// PushBatchSize bounds one push batch.
	PushBatchSize int

	// RoundTimeout bounds one full round.
	RoundTimeout time.Duration

	// Now supplies the clock; defaults to time.Now.
	Now func() time.Time

	// Logger for engine activity.
	Logger *zap.SugaredLogger

	// Journal receives engine state transitions. Optional.
	Journal *journal.Journal

	// OnEvent receives status events. Must not block. Optional.
	OnEvent func(Event)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushBatchSize: 10,
		RoundTimeout:  30 * time.Second,
		Now:           time.Now,
		Logger:        zap.NewNop().Sugar(),
	}
}

// Engine orchestrates pull/push/reconcile rounds.
//
// Exactly one round runs at a time: TriggerSync under an active round
// coalesces into a single follow-up round instead of queueing, so a
// burst of triggers can never double-count retries.
type Engine struct {
	store    *store.Store
	queue    *queue.Manager
	client   Client
	manual   *manual.Manager
	recorder *location.Recorder
	retain   *retention.Manager
	config   *Config

	syncPart string // "<driver>/<day>/sync"

	machine *fsm.FSM

	mu             sync.Mutex
	running        bool
	runAgain       bool
	runAgainBg     bool
	backoffUntil   time.Time
	retryScheduled bool
	lastSummary    *RoundSummary

	roundBackoff *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sync engine for one driver/day partition.
func New(st *store.Store, q *queue.Manager, client Client, mm *manual.Manager, rec *location.Recorder, retain *retention.Manager, partitionPrefix string, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PushBatchSize <= 0 {
		config.PushBatchSize = 10
	}
	if config.RoundTimeout <= 0 {
		config.RoundTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // never give up; triggers keep coming

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:        st,
		queue:        q,
		client:       client,
		manual:       mm,
		recorder:     rec,
		retain:       retain,
		config:       config,
		syncPart:     partitionPrefix + "/sync",
		roundBackoff: bo,
		ctx:          ctx,
		cancel:       cancel,
	}

	e.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "begin_pull", Src: []string{StateIdle, StateBackoff}, Dst: StatePulling},
			{Name: "begin_push", Src: []string{StatePulling}, Dst: StatePushing},
			{Name: "begin_reconcile", Src: []string{StatePushing}, Dst: StateReconciling},
			{Name: "complete", Src: []string{StateReconciling}, Dst: StateIdle},
			{Name: "fail", Src: []string{StatePulling, StatePushing, StateReconciling}, Dst: StateBackoff},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				if config.Journal != nil {
					config.Journal.Record("engine", ev.Src, ev.Dst, ev.Event)
				}
				config.Logger.Debugw("engine state", "from", ev.Src, "to", ev.Dst)
			},
		},
	)

	return e
}

// State returns the current engine state.
func (e *Engine) State() string {
	return e.machine.Current()
}

// SetOnEvent installs the status event callback. Call before the first
// trigger; the callback must not block.
func (e *Engine) SetOnEvent(fn func(Event)) {
	e.config.OnEvent = fn
}

// LastSummary returns the most recent round summary, or nil.
func (e *Engine) LastSummary() *RoundSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary
}

// Stop cancels any in-flight round cooperatively and waits for it.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// TriggerSync requests a full round. Non-blocking.
func (e *Engine) TriggerSync(reason string) {
	e.trigger(reason, false)
}

// TriggerBackgroundSync requests a round that skips non-critical work
// (location upload) to save battery and bandwidth. An in-flight push is
// still driven to a final outcome.
func (e *Engine) TriggerBackgroundSync(reason string) {
	e.trigger(reason, true)
}

// RunOnce executes a single round synchronously and returns its summary.
// Used by the one-shot CLI path; the daemon path goes through TriggerSync.
// Returns nil if a round is already in flight.
func (e *Engine) RunOnce(reason string) *RoundSummary {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	summary := e.runRound(reason, false)

	e.mu.Lock()
	e.lastSummary = summary
	e.running = false
	e.runAgain = false
	e.runAgainBg = false
	e.mu.Unlock()
	return summary
}

// trigger coalesces concurrent requests and defers triggers that land
// inside a backoff window.
func (e *Engine) trigger(reason string, background bool) {
	// Inspection-only assemblies have no sync client; their triggers are
	// no-ops and the next daemon round picks the work up.
	if e.client == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		// A single foreground request upgrades the follow-up round.
		if e.runAgain {
			e.runAgainBg = e.runAgainBg && background
		} else {
			e.runAgainBg = background
		}
		e.runAgain = true
		return
	}

	if wait := time.Until(e.backoffUntil); wait > 0 {
		if !e.retryScheduled {
			e.retryScheduled = true
			time.AfterFunc(wait, func() {
				e.mu.Lock()
				e.retryScheduled = false
				e.mu.Unlock()
				e.trigger(reason, background)
			})
		}
		return
	}

	e.running = true
	e.wg.Add(1)
	go e.run(reason, background)
}

// run executes rounds until no follow-up is requested.
func (e *Engine) run(reason string, background bool) {
	defer e.wg.Done()

	for {
		summary := e.runRound(reason, background)

		e.mu.Lock()
		e.lastSummary = summary

		if summary.Error != "" {
			wait := e.roundBackoff.NextBackOff()
			e.backoffUntil = e.config.Now().Add(wait)
			again := e.runAgain
			e.runAgain = false
			e.runAgainBg = false
			e.running = false
			e.mu.Unlock()

			e.config.Logger.Warnw("sync round failed",
				"reason", reason, "error", summary.Error, "backoff", wait)
			if again {
				// Deferred by the backoff window.
				e.trigger("retry after backoff", background)
			}
			return
		}

		e.roundBackoff.Reset()
		e.backoffUntil = time.Time{}

		if e.runAgain {
			e.runAgain = false
			background = e.runAgainBg
			e.runAgainBg = false
			reason = "coalesced trigger"
			e.mu.Unlock()
			continue
		}

		e.running = false
		e.mu.Unlock()
		return
	}
}

// Enqueue records a driver action, shedding prunable data once if the
// store is at quota. Failure to persist a pending action is critical and
// surfaced to the caller immediately.
func (e *Engine) Enqueue(ctx context.Context, stopID string, actionType model.ActionType, payload json.RawMessage) (*model.QueuedAction, error) {
	action, err := e.queue.Enqueue(ctx, stopID, actionType, payload)
	if err == nil {
		return action, nil
	}
	if !errors.Is(err, store.ErrQuotaExceeded) {
		return nil, err
	}

	// Shed GPS trail and synced history with room for the new record,
	// then retry once.
	if _, shedErr := e.retain.ShedFor(ctx, enqueueHeadroom); shedErr != nil {
		e.config.Logger.Errorw("failed to shed storage for pending action", "error", shedErr)
	}
	action, err = e.queue.Enqueue(ctx, stopID, actionType, payload)
	if err != nil {
		return nil, fmt.Errorf("cannot persist delivery outcome for stop %s: %w", stopID, err)
	}
	return action, nil
}

// ResolveManual applies a human decision to a manual resolution entry.
// keepLocal re-enqueues the action as an authoritative overwrite; discard
// resolves it in favor of server state. Either way the entry clears.
func (e *Engine) ResolveManual(ctx context.Context, id string, keepLocal bool) error {
	entry, err := e.manual.Get(ctx, id)
	if err != nil {
		return err
	}

	key := entry.Action.IdempotencyKey
	if keepLocal {
		err = e.queue.ReleaseHold(ctx, key, true)
	} else {
		err = e.queue.MarkResolved(ctx, key)
	}
	if err != nil {
		return err
	}

	if err := e.manual.Clear(ctx, id); err != nil {
		return fmt.Errorf("failed to clear resolution entry %s: %w", id, err)
	}

	if keepLocal {
		// The released action is Pending again; push it promptly.
		e.TriggerSync("manual resolution")
	}
	return nil
}

// Cursor returns the current sync cursor.
func (e *Engine) Cursor(ctx context.Context) (model.SyncCursor, error) {
	var cursor model.SyncCursor
	raw, err := e.store.Get(ctx, e.syncPart, "cursor")
	if errors.Is(err, store.ErrNotFound) {
		return cursor, nil
	}
	if err != nil {
		return cursor, err
	}
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return cursor, fmt.Errorf("corrupt sync cursor: %w", err)
	}
	return cursor, nil
}

// Route returns the cached route snapshot, or nil before the first pull.
func (e *Engine) Route(ctx context.Context) (*model.Route, error) {
	raw, err := e.store.Get(ctx, e.syncPart, "route")
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var route model.Route
	if err := json.Unmarshal(raw, &route); err != nil {
		return nil, fmt.Errorf("corrupt route snapshot: %w", err)
	}
	return &route, nil
}

// emit delivers an event to the status surface.
func (e *Engine) emit(ev Event) {
	if e.config.OnEvent != nil {
		e.config.OnEvent(ev)
	}
}
