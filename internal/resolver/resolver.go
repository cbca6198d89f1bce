// Package resolver decides how a local queued action reconciles against
// divergent server state.
//
// Resolve is a pure function over (local action, server field state): no
// clocks, no I/O, no randomness. The policy is an ordered table evaluated
// first-match-wins, so every (action type, field class) pair maps to
// exactly one verdict and the table can be enumerated exhaustively in
// tests.
package resolver

import (
	"time"

	"github.com/cheez95/driversync/internal/model"
)

// Verdict is the resolver's decision for one conflict.
type Verdict int

const (
	// ServerWins discards the local action; the server's change stands.
	ServerWins Verdict = iota
	// LocalWins re-submits the local action as an authoritative
	// overwrite on the next round.
	LocalWins
	// Merge keeps both sides; applies only to additive fields.
	Merge
	// Manual defers to a human; the action is neither applied nor
	// discarded until someone decides.
	Manual
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case ServerWins:
		return "server_wins"
	case LocalWins:
		return "local_wins"
	case Merge:
		return "merge"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// Resolution is a verdict with its explanation, carried into the journal
// and any ManualResolutionEntry.
type Resolution struct {
	Verdict Verdict
	Reason  string
}

// ActionView is the slice of a QueuedAction the resolver needs.
type ActionView struct {
	Type      model.ActionType
	CreatedAt time.Time
}

// ViewOf extracts an ActionView from a queued action.
func ViewOf(a *model.QueuedAction) ActionView {
	return ActionView{Type: a.Type, CreatedAt: a.CreatedAt}
}

// Resolve reconciles a local action against the server's reported state
// for the touched field.
//
// Policy, first match wins:
//  1. Server modified a critical field after the local action was
//     created: ServerWins.
//  2. Local action is newer than the server's change: LocalWins.
//  3. The field is additive: Merge.
//  4. Genuinely concurrent, non-additive, non-critical: Manual.
func Resolve(local ActionView, server model.FieldState) Resolution {
	class := server.Class()

	if class == model.FieldClassCritical && server.LastModified.After(local.CreatedAt) {
		return Resolution{
			Verdict: ServerWins,
			Reason:  "server changed critical field " + server.Field + " after local action",
		}
	}

	if local.CreatedAt.After(server.LastModified) {
		return Resolution{
			Verdict: LocalWins,
			Reason:  "local action is newer than server change to " + server.Field,
		}
	}

	if class == model.FieldClassAdditive {
		return Resolution{
			Verdict: Merge,
			Reason:  "field " + server.Field + " is additive; keeping both",
		}
	}

	return Resolution{
		Verdict: Manual,
		Reason:  "concurrent change to " + server.Field + " cannot be decided automatically",
	}
}
