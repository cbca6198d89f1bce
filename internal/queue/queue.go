// Package queue implements the action queue manager: an append-only,
// status-tagged log of pending mutations recorded while the driver is
// offline.
//
// The queue is the single writer of QueuedAction records. Actions are
// persisted through the local store so a crash never loses a recorded
// delivery outcome; status transitions are forward-only and every
// transition lands in the diagnostics journal.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/journal"
	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/store"
)

var (
	// ErrInvalidPayload means the payload failed validation at enqueue
	// time. The action was never queued.
	ErrInvalidPayload = errors.New("queue: invalid payload")

	// ErrUnknownAction means no action exists for the given key.
	ErrUnknownAction = errors.New("queue: unknown action")

	// ErrIllegalTransition means the requested status change violates
	// the forward-only lifecycle.
	ErrIllegalTransition = errors.New("queue: illegal status transition")
)

const (
	// Retry schedule for transient push failures.
	retryBase       = 5 * time.Second
	retryMultiplier = 2
	retryCap        = 5 * time.Minute
	retryJitterFrac = 0.2

	// MaxAttempts is the number of failed pushes before an action goes
	// Dead and is surfaced as needing attention.
	MaxAttempts = 5
)

// Config holds queue configuration.
type Config struct {
	// Now supplies the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time

	// Jitter supplies a value in [-1, 1) scaling the retry jitter.
	// Defaults to a seeded math/rand source.
	Jitter func() float64

	// Logger for queue activity.
	Logger *zap.SugaredLogger

	// Journal receives status transitions. Optional.
	Journal *journal.Journal
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Config{
		Now:    time.Now,
		Jitter: func() float64 { return rng.Float64()*2 - 1 },
		Logger: zap.NewNop().Sugar(),
	}
}

// Manager owns the queued action log for one driver/day partition.
type Manager struct {
	store     *store.Store
	partition string // "<driver>/<day>/actions"
	metaPart  string // "<driver>/<day>/queue-meta"
	config    *Config

	// mu serializes enqueue so per-stop sequence numbers are assigned
	// without gaps under concurrent UI calls.
	mu sync.Mutex
}

// New creates a queue manager persisting under the given partition
// prefix (typically "<driverID>/<day>").
func New(st *store.Store, partitionPrefix string, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Jitter == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		config.Jitter = func() float64 { return rng.Float64()*2 - 1 }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	return &Manager{
		store:     st,
		partition: partitionPrefix + "/actions",
		metaPart:  partitionPrefix + "/queue-meta",
		config:    config,
	}
}

// seqRetries bounds counter-contention retries before Enqueue gives up.
const seqRetries = 3

// Enqueue validates the payload, assigns an idempotency key and a per-stop
// sequence number, and persists the action as Pending.
//
// The action record and the sequence counter are written in one store
// transaction so a crash cannot leave them inconsistent. The counter
// write is guarded against the value read, so a concurrent enqueue from
// another process (the CLI alongside the daemon) can never assign a
// duplicate sequence; the loser re-reads and retries.
func (m *Manager) Enqueue(ctx context.Context, stopID string, actionType model.ActionType, payload json.RawMessage) (*model.QueuedAction, error) {
	if err := validatePayload(actionType, payload); err != nil {
		return nil, err
	}
	if stopID == "" {
		return nil, fmt.Errorf("%w: empty stop id", ErrInvalidPayload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < seqRetries; attempt++ {
		seq, prev, err := m.nextSeq(ctx, stopID)
		if err != nil {
			return nil, err
		}

		now := m.config.Now()
		action := &model.QueuedAction{
			IdempotencyKey: uuid.NewString(),
			StopID:         stopID,
			Type:           actionType,
			Payload:        payload,
			Seq:            seq,
			Status:         model.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		actionBytes, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal action: %w", err)
		}

		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, uint64(seq))

		err = m.store.Transaction(ctx, []store.Op{
			{Kind: store.OpCheck, Partition: m.metaPart, Key: "seq/" + stopID, Value: prev},
			{Kind: store.OpPut, Partition: m.partition, Key: action.Key(), Value: actionBytes},
			{Kind: store.OpPut, Partition: m.metaPart, Key: "seq/" + stopID, Value: seqBytes},
		})
		if errors.Is(err, store.ErrCheckFailed) || errors.Is(err, store.ErrTxAborted) {
			lastErr = err
			continue
		}
		if err != nil {
			// A pending outcome that cannot be persisted is critical: the
			// caller must surface it immediately, not swallow it.
			return nil, fmt.Errorf("failed to persist action for stop %s: %w", stopID, err)
		}

		m.journal(action.Key(), "", string(model.StatusPending), string(actionType))
		m.config.Logger.Debugw("enqueued action",
			"stop", stopID, "type", actionType, "seq", seq, "key", action.IdempotencyKey)
		return action, nil
	}
	return nil, fmt.Errorf("failed to persist action for stop %s: %w", stopID, lastErr)
}

// nextSeq returns the next per-stop sequence number along with the raw
// counter bytes it was derived from, for the transaction guard. Counters
// persist in the meta partition so sequences survive restarts.
func (m *Manager) nextSeq(ctx context.Context, stopID string) (int64, []byte, error) {
	raw, err := m.store.Get(ctx, m.metaPart, "seq/"+stopID)
	if errors.Is(err, store.ErrNotFound) {
		return 1, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read sequence counter: %w", err)
	}
	if len(raw) != 8 {
		return 0, nil, fmt.Errorf("corrupt sequence counter for stop %s", stopID)
	}
	return int64(binary.BigEndian.Uint64(raw)) + 1, raw, nil
}

// DequeueBatch returns up to max Pending actions eligible for pushing,
// oldest first.
//
// Per-stop ordering is absolute: if an earlier action for a stop is not
// eligible (backing off, held for manual resolution, or still syncing),
// later actions for that stop are withheld even when eligible themselves.
// Cross-stop interleaving is unconstrained.
func (m *Manager) DequeueBatch(ctx context.Context, max int) ([]model.QueuedAction, error) {
	actions, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(actions, func(i, j int) bool {
		if !actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].CreatedAt.Before(actions[j].CreatedAt)
		}
		return actions[i].Seq < actions[j].Seq
	})

	now := m.config.Now()
	blocked := make(map[string]bool)
	var batch []model.QueuedAction

	for _, a := range actions {
		if a.Status.Terminal() {
			continue
		}
		if blocked[a.StopID] {
			continue
		}
		eligible := a.Status == model.StatusPending &&
			!a.HeldForManual &&
			!a.NextAttemptAt.After(now)
		if !eligible {
			// An ineligible non-terminal action gates everything
			// behind it for the same stop.
			blocked[a.StopID] = true
			continue
		}
		batch = append(batch, a)
		if len(batch) >= max {
			break
		}
	}
	return batch, nil
}

// MarkSyncing transitions a set of Pending actions to Syncing before a
// push batch is submitted.
func (m *Manager) MarkSyncing(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := m.transition(ctx, key, model.StatusSyncing, func(a *model.QueuedAction) {}); err != nil {
			return err
		}
	}
	return nil
}

// MarkSynced records server acceptance. Terminal.
func (m *Manager) MarkSynced(ctx context.Context, key string) error {
	return m.transition(ctx, key, model.StatusSynced, func(a *model.QueuedAction) {
		a.LastError = ""
	})
}

// MarkFailed records a push failure. Retryable failures re-enter Pending
// with an exponential backoff window; after MaxAttempts, or when
// retryable is false, the action goes Dead.
func (m *Manager) MarkFailed(ctx context.Context, key string, retryable bool, cause string) error {
	action, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	attempts := action.RetryCount + 1
	if !retryable || attempts >= MaxAttempts {
		return m.transition(ctx, key, model.StatusDead, func(a *model.QueuedAction) {
			a.RetryCount = attempts
			a.LastError = cause
		})
	}

	delay := m.retryDelay(attempts)
	return m.transition(ctx, key, model.StatusPending, func(a *model.QueuedAction) {
		a.RetryCount = attempts
		a.NextAttemptAt = m.config.Now().Add(delay)
		a.LastError = cause
	})
}

// MarkDead forces an action Dead (permanent business rejection).
func (m *Manager) MarkDead(ctx context.Context, key string, cause string) error {
	return m.transition(ctx, key, model.StatusDead, func(a *model.QueuedAction) {
		a.LastError = cause
	})
}

// MarkResolved records that the conflict resolver (or a human decision)
// discarded the action in favor of server state. Terminal.
func (m *Manager) MarkResolved(ctx context.Context, key string) error {
	return m.transition(ctx, key, model.StatusResolved, func(a *model.QueuedAction) {
		a.HeldForManual = false
	})
}

// ReleaseSyncing reverts every Syncing action to Pending. Called when a
// round aborts before all outcomes arrived; the idempotency key makes the
// re-push safe.
func (m *Manager) ReleaseSyncing(ctx context.Context) (int, error) {
	actions, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, a := range actions {
		if a.Status != model.StatusSyncing {
			continue
		}
		if err := m.transition(ctx, a.Key(), model.StatusPending, func(qa *model.QueuedAction) {}); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// HoldForManual parks a Syncing action pending a human verdict. The
// action reverts to Pending status but is excluded from dequeue until
// ReleaseHold or MarkResolved.
func (m *Manager) HoldForManual(ctx context.Context, key string) error {
	return m.transition(ctx, key, model.StatusPending, func(a *model.QueuedAction) {
		a.HeldForManual = true
	})
}

// ReleaseHold unparks a held action. When overwrite is set the action is
// re-submitted as an authoritative overwrite on the next round.
func (m *Manager) ReleaseHold(ctx context.Context, key string, overwrite bool) error {
	action, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if !action.HeldForManual {
		return fmt.Errorf("action %s is not held for manual resolution", key)
	}
	return m.update(ctx, key, func(a *model.QueuedAction) {
		a.HeldForManual = false
		a.Overwrite = overwrite
		a.RetryCount = 0
		a.NextAttemptAt = time.Time{}
	})
}

// MarkOverwrite flags a Syncing action for authoritative re-submission
// (LocalWins verdict) and returns it to Pending for the next round.
func (m *Manager) MarkOverwrite(ctx context.Context, key string) error {
	return m.transition(ctx, key, model.StatusPending, func(a *model.QueuedAction) {
		a.Overwrite = true
	})
}

// Get returns one action by idempotency key.
func (m *Manager) Get(ctx context.Context, key string) (*model.QueuedAction, error) {
	raw, err := m.store.Get(ctx, m.partition, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, key)
	}
	if err != nil {
		return nil, err
	}
	var action model.QueuedAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, fmt.Errorf("corrupt action record %s: %w", key, err)
	}
	return &action, nil
}

// All returns every action in the partition, unordered.
func (m *Manager) All(ctx context.Context) ([]model.QueuedAction, error) {
	return m.load(ctx)
}

// PendingCount returns the number of actions still awaiting sync
// (Pending or Syncing, including held ones).
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	actions, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range actions {
		if !a.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// DeadActions returns all Dead actions, oldest first, for the status
// surface.
func (m *Manager) DeadActions(ctx context.Context) ([]model.QueuedAction, error) {
	actions, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var dead []model.QueuedAction
	for _, a := range actions {
		if a.Status == model.StatusDead {
			dead = append(dead, a)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].CreatedAt.Before(dead[j].CreatedAt) })
	return dead, nil
}

// load reads and decodes every action in the partition.
func (m *Manager) load(ctx context.Context) ([]model.QueuedAction, error) {
	records, err := m.store.List(ctx, m.partition)
	if err != nil {
		return nil, err
	}
	actions := make([]model.QueuedAction, 0, len(records))
	for _, rec := range records {
		var a model.QueuedAction
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			m.config.Logger.Warnw("skipping corrupt action record", "key", rec.Key, "error", err)
			continue
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// transition applies a status change, enforcing the forward-only
// lifecycle, then persists and journals it.
func (m *Manager) transition(ctx context.Context, key string, next model.ActionStatus, mutate func(*model.QueuedAction)) error {
	action, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if action.Status != next && !action.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, action.Status, next, key)
	}

	from := action.Status
	action.Status = next
	mutate(action)
	action.UpdatedAt = m.config.Now()

	if err := m.persist(ctx, action); err != nil {
		return err
	}
	if from != next {
		m.journal(key, string(from), string(next), action.LastError)
	}
	return nil
}

// update persists a non-status mutation to an action.
func (m *Manager) update(ctx context.Context, key string, mutate func(*model.QueuedAction)) error {
	action, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	mutate(action)
	action.UpdatedAt = m.config.Now()
	return m.persist(ctx, action)
}

func (m *Manager) persist(ctx context.Context, action *model.QueuedAction) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action %s: %w", action.Key(), err)
	}
	if err := m.store.Put(ctx, m.partition, action.Key(), raw); err != nil {
		return fmt.Errorf("failed to persist action %s: %w", action.Key(), err)
	}
	return nil
}

func (m *Manager) journal(key, from, to, note string) {
	if m.config.Journal != nil {
		m.config.Journal.Record("action:"+key, from, to, note)
	}
}

// retryDelay computes the backoff window before attempt n+1:
// min(base * 2^(n-1), cap) with ±20% jitter.
func (m *Manager) retryDelay(attempts int) time.Duration {
	delay := retryBase
	for i := 1; i < attempts; i++ {
		delay *= retryMultiplier
		if delay >= retryCap {
			delay = retryCap
			break
		}
	}
	jitter := time.Duration(float64(delay) * retryJitterFrac * m.config.Jitter())
	return delay + jitter
}
