// Package model defines the core entities shared by the sync engine:
// queued actions, route snapshots, GPS samples, the sync cursor, and
// manual resolution entries.
//
// Everything here is a plain data type with JSON marshalling; behavior
// lives in the packages that own each entity (queue, engine, resolver).
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType identifies the kind of mutation a driver recorded for a stop.
type ActionType string

const (
	// ActionArrive records that the driver reached the stop.
	ActionArrive ActionType = "arrive"

	// ActionComplete records a successful delivery at the stop.
	ActionComplete ActionType = "complete"

	// ActionSkip records that the stop was intentionally skipped.
	ActionSkip ActionType = "skip"

	// ActionFail records a failed delivery attempt (customer absent, refused, etc).
	ActionFail ActionType = "fail"

	// ActionNote appends a free-form delivery note to the stop.
	ActionNote ActionType = "note"
)

// ValidActionType reports whether t is one of the known action types.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionArrive, ActionComplete, ActionSkip, ActionFail, ActionNote:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a QueuedAction.
//
// Transitions are forward-only: an action never returns to a state it
// already left, with the single exception of Syncing -> Pending when an
// in-flight round aborts before the server answered.
type ActionStatus string

const (
	// StatusPending means the action is waiting to be pushed.
	StatusPending ActionStatus = "pending"

	// StatusSyncing means the action is part of an in-flight push batch.
	StatusSyncing ActionStatus = "syncing"

	// StatusSynced means the server accepted the action.
	StatusSynced ActionStatus = "synced"

	// StatusResolved means the conflict resolver (or a human) discarded
	// the action in favor of server state.
	StatusResolved ActionStatus = "resolved"

	// StatusDead means the action will never be retried automatically.
	StatusDead ActionStatus = "dead"
)

// Terminal reports whether s is a terminal status.
func (s ActionStatus) Terminal() bool {
	return s == StatusSynced || s == StatusResolved || s == StatusDead
}

// CanTransition reports whether moving from s to next is a legal
// status transition. Terminal states have no outgoing transitions.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing || next == StatusDead || next == StatusResolved
	case StatusSyncing:
		// Syncing -> Pending is the round-abort revert.
		return next == StatusPending || next == StatusSynced ||
			next == StatusResolved || next == StatusDead
	default:
		return false
	}
}

// QueuedAction is one intended mutation against one stop, recorded in the
// append-only action log.
//
// The idempotency key is assigned exactly once at enqueue time and never
// regenerated; it is the sole defense against double-applying effects when
// a push is retried.
type QueuedAction struct {
	// IdempotencyKey is the client-generated unique key for this action.
	IdempotencyKey string `json:"idempotency_key"`

	// StopID is the stop this action mutates.
	StopID string `json:"stop_id"`

	// Type is the kind of mutation.
	Type ActionType `json:"type"`

	// Payload is the action-specific body, validated at enqueue time.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Seq is the per-stop local sequence number. Actions for the same
	// stop are pushed and applied in Seq order.
	Seq int64 `json:"seq"`

	// Status is the current lifecycle state.
	Status ActionStatus `json:"status"`

	// Overwrite marks an action re-submitted as an authoritative
	// overwrite after a LocalWins verdict.
	Overwrite bool `json:"overwrite,omitempty"`

	// HeldForManual parks the action while a ManualResolutionEntry for
	// it awaits a human decision. Held actions are never dequeued.
	HeldForManual bool `json:"held_for_manual,omitempty"`

	// RetryCount is the number of failed push attempts so far.
	RetryCount int `json:"retry_count"`

	// NextAttemptAt is the earliest time the action may be pushed again
	// after a retryable failure. Zero means immediately eligible.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// LastError records the most recent failure, for the status surface.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the storage key for the action within its partition.
func (a *QueuedAction) Key() string {
	return a.IdempotencyKey
}

// Validate checks structural invariants that must hold for any persisted
// action, regardless of status.
func (a *QueuedAction) Validate() error {
	if a.IdempotencyKey == "" {
		return fmt.Errorf("action missing idempotency key")
	}
	if a.StopID == "" {
		return fmt.Errorf("action %s missing stop id", a.IdempotencyKey)
	}
	if !ValidActionType(a.Type) {
		return fmt.Errorf("action %s has unknown type %q", a.IdempotencyKey, a.Type)
	}
	if a.Seq <= 0 {
		return fmt.Errorf("action %s has invalid sequence %d", a.IdempotencyKey, a.Seq)
	}
	return nil
}

// ManualResolutionEntry captures an action the resolver could not decide,
// together with the server state it conflicted with. Entries are cleared
// only by an explicit human decision; they are never purged automatically.
type ManualResolutionEntry struct {
	// ID identifies the entry; it equals the action's idempotency key so
	// one action can have at most one open entry.
	ID string `json:"id"`

	// Action is a snapshot of the conflicting local action.
	Action QueuedAction `json:"action"`

	// ServerState is the server's view of the contested field at
	// conflict time.
	ServerState FieldState `json:"server_state"`

	// Reason is the resolver's explanation for punting to a human.
	Reason string `json:"reason"`

	CreatedAt time.Time `json:"created_at"`
}
