package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/resolver"
)

// runRound executes one pull/push/reconcile round and returns its
// summary. A non-empty summary.Error means the cursor did not advance
// and the engine enters backoff.
func (e *Engine) runRound(reason string, background bool) *RoundSummary {
	summary := &RoundSummary{Reason: reason, StartedAt: e.config.Now()}
	defer func() {
		summary.Duration = e.config.Now().Sub(summary.StartedAt)
		e.emit(Event{Kind: EventRoundCompleted, Summary: summary})
	}()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.RoundTimeout)
	defer cancel()

	if err := e.machine.Event(ctx, "begin_pull"); err != nil {
		summary.Error = fmt.Sprintf("engine not ready: %v", err)
		return summary
	}

	cursor, err := e.Cursor(ctx)
	if err != nil {
		e.fail(ctx, summary, fmt.Errorf("failed to load cursor: %w", err))
		return summary
	}

	pull, err := e.client.Pull(ctx, cursor.Token)
	if err != nil {
		e.fail(ctx, summary, fmt.Errorf("pull failed: %w", err))
		return summary
	}
	if pull.Route != nil {
		if err := e.replaceRoute(ctx, pull.Route); err != nil {
			e.fail(ctx, summary, err)
			return summary
		}
	}

	_ = e.machine.Event(ctx, "begin_push")

	batch, err := e.queue.DequeueBatch(ctx, e.config.PushBatchSize)
	if err != nil {
		e.fail(ctx, summary, fmt.Errorf("failed to read queue: %w", err))
		return summary
	}
	summary.Pushed = len(batch)

	var results []PushResult
	if len(batch) > 0 {
		keys := make([]string, len(batch))
		items := make([]PushItem, len(batch))
		for i, a := range batch {
			keys[i] = a.IdempotencyKey
			items[i] = PushItem{
				IdempotencyKey:  a.IdempotencyKey,
				StopID:          a.StopID,
				ActionType:      a.Type,
				Payload:         a.Payload,
				Seq:             a.Seq,
				Overwrite:       a.Overwrite,
				ClientTimestamp: a.CreatedAt,
			}
		}

		if err := e.queue.MarkSyncing(ctx, keys); err != nil {
			e.fail(ctx, summary, fmt.Errorf("failed to mark batch syncing: %w", err))
			return summary
		}

		results, err = e.client.Push(ctx, items)
		if err != nil {
			e.handlePushError(ctx, err)
			e.fail(ctx, summary, fmt.Errorf("push failed: %w", err))
			return summary
		}
	}

	_ = e.machine.Event(ctx, "begin_reconcile")

	if err := e.reconcile(ctx, batch, results, summary); err != nil {
		e.fail(ctx, summary, err)
		return summary
	}

	if !background {
		e.uploadLocations(ctx)
	}

	if err := e.advanceCursor(ctx, pull.Cursor); err != nil {
		e.fail(ctx, summary, err)
		return summary
	}
	summary.CursorAdvanced = true

	_ = e.machine.Event(ctx, "complete")

	if _, err := e.retain.Run(ctx); err != nil {
		// Retention trouble never fails a round; the data it would
		// have pruned is still safe.
		e.config.Logger.Warnw("retention pass failed", "error", err)
	}

	return summary
}

// fail moves the machine to backoff and reverts any in-doubt actions so
// a timed-out round never corrupts state.
func (e *Engine) fail(ctx context.Context, summary *RoundSummary, err error) {
	summary.Error = err.Error()
	_ = e.machine.Event(context.WithoutCancel(ctx), "fail")
}

// handlePushError reverts or penalizes the in-flight batch depending on
// the failure class. A timeout reverts without counting an attempt; the
// idempotency keys make the eventual re-push safe either way.
func (e *Engine) handlePushError(ctx context.Context, pushErr error) {
	// The round context may already be expired; state repair must not be.
	ctx = context.WithoutCancel(ctx)

	if errors.Is(pushErr, context.DeadlineExceeded) || errors.Is(pushErr, context.Canceled) {
		if n, err := e.queue.ReleaseSyncing(ctx); err != nil {
			e.config.Logger.Errorw("failed to revert syncing actions", "error", err)
		} else if n > 0 {
			e.config.Logger.Infow("reverted in-doubt actions after timeout", "count", n)
		}
		return
	}

	retryable := IsTransient(pushErr)
	actions, err := e.queue.All(ctx)
	if err != nil {
		e.config.Logger.Errorw("failed to load queue after push error", "error", err)
		return
	}
	for _, a := range actions {
		if a.Status != model.StatusSyncing {
			continue
		}
		if err := e.queue.MarkFailed(ctx, a.IdempotencyKey, retryable, pushErr.Error()); err != nil {
			e.config.Logger.Errorw("failed to record push failure", "key", a.IdempotencyKey, "error", err)
			continue
		}
		if updated, err := e.queue.Get(ctx, a.IdempotencyKey); err == nil && updated.Status == model.StatusDead {
			e.emit(Event{Kind: EventActionDead, ActionKey: a.IdempotencyKey, StopID: a.StopID, Detail: pushErr.Error()})
		}
	}
}

// reconcile applies per-item server outcomes. Responses may arrive
// duplicated or reordered; actions left Syncing afterwards revert to
// Pending and the round counts as partial.
func (e *Engine) reconcile(ctx context.Context, batch []model.QueuedAction, results []PushResult, summary *RoundSummary) error {
	byKey := make(map[string]*model.QueuedAction, len(batch))
	for i := range batch {
		byKey[batch[i].IdempotencyKey] = &batch[i]
	}

	seen := make(map[string]bool, len(results))
	for _, res := range results {
		action, ok := byKey[res.IdempotencyKey]
		if !ok || seen[res.IdempotencyKey] {
			// Unknown or duplicate response; the first outcome stands.
			continue
		}
		seen[res.IdempotencyKey] = true

		switch res.Status {
		case ItemAccepted:
			if err := e.queue.MarkSynced(ctx, action.IdempotencyKey); err != nil {
				return fmt.Errorf("failed to mark %s synced: %w", action.IdempotencyKey, err)
			}
			if err := e.applyEffect(ctx, action); err != nil {
				e.config.Logger.Warnw("failed to apply local effect", "key", action.IdempotencyKey, "error", err)
			}
			summary.Accepted++

		case ItemRejected:
			// Permanent business-rule rejection, never retried.
			if err := e.queue.MarkDead(ctx, action.IdempotencyKey, res.Reason); err != nil {
				return fmt.Errorf("failed to mark %s dead: %w", action.IdempotencyKey, err)
			}
			e.emit(Event{Kind: EventActionDead, ActionKey: action.IdempotencyKey, StopID: action.StopID, Detail: res.Reason})
			summary.Rejected++

		case ItemConflict:
			summary.Conflicts++
			if err := e.resolveConflict(ctx, action, res); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown push outcome %q for %s", res.Status, res.IdempotencyKey)
		}
	}

	// Anything still Syncing got no response this round.
	if n, err := e.queue.ReleaseSyncing(ctx); err != nil {
		return fmt.Errorf("failed to revert unanswered actions: %w", err)
	} else if n > 0 {
		return fmt.Errorf("%d pushed actions got no outcome", n)
	}
	return nil
}

// resolveConflict routes a Conflict outcome through the resolver and
// acts on the verdict.
func (e *Engine) resolveConflict(ctx context.Context, action *model.QueuedAction, res PushResult) error {
	if res.ServerState == nil {
		// Malformed conflict; count a retryable failure.
		return e.queue.MarkFailed(ctx, action.IdempotencyKey, true, "conflict without server state")
	}

	resolution := resolver.Resolve(resolver.ViewOf(action), *res.ServerState)
	if e.config.Journal != nil {
		e.config.Journal.Record("action:"+action.IdempotencyKey, "conflict", resolution.Verdict.String(), resolution.Reason)
	}

	switch resolution.Verdict {
	case resolver.ServerWins:
		if err := e.queue.MarkResolved(ctx, action.IdempotencyKey); err != nil {
			return err
		}
		e.emit(Event{Kind: EventServerWon, ActionKey: action.IdempotencyKey, StopID: action.StopID, Detail: resolution.Reason})
		return nil

	case resolver.LocalWins:
		// Re-submit as an authoritative overwrite next round.
		return e.queue.MarkOverwrite(ctx, action.IdempotencyKey)

	case resolver.Merge:
		if err := e.queue.MarkSynced(ctx, action.IdempotencyKey); err != nil {
			return err
		}
		return e.applyEffect(ctx, action)

	case resolver.Manual:
		entry := &model.ManualResolutionEntry{
			ID:          action.IdempotencyKey,
			Action:      *action,
			ServerState: *res.ServerState,
			Reason:      resolution.Reason,
			CreatedAt:   e.config.Now(),
		}
		if err := e.manual.Add(ctx, entry); err != nil {
			return err
		}
		if err := e.queue.HoldForManual(ctx, action.IdempotencyKey); err != nil {
			return err
		}
		e.emit(Event{Kind: EventManualNeeded, ActionKey: action.IdempotencyKey, StopID: action.StopID, Detail: resolution.Reason})
		return nil

	default:
		return fmt.Errorf("unknown resolver verdict %v", resolution.Verdict)
	}
}

// applyEffect folds an accepted action into the cached route snapshot.
// The snapshot is replaced wholesale, never patched in place.
func (e *Engine) applyEffect(ctx context.Context, action *model.QueuedAction) error {
	route, err := e.Route(ctx)
	if err != nil {
		return err
	}
	if route == nil || route.FindStop(action.StopID) == nil {
		return nil
	}

	next := route.WithStopApplied(action.StopID, func(stop *model.Stop) {
		switch action.Type {
		case model.ActionArrive:
			stop.Status = model.StopStatusArrived
		case model.ActionComplete:
			stop.Status = model.StopStatusDelivered
		case model.ActionSkip:
			stop.Status = model.StopStatusSkipped
		case model.ActionFail:
			stop.Status = model.StopStatusFailed
		case model.ActionNote:
			var body struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(action.Payload, &body); err == nil && body.Text != "" {
				stop.Notes = append(stop.Notes, body.Text)
			}
		}
	})
	return e.replaceRoute(ctx, next)
}

// replaceRoute atomically swaps the cached route snapshot.
func (e *Engine) replaceRoute(ctx context.Context, route *model.Route) error {
	if route.FetchedAt.IsZero() {
		route.FetchedAt = e.config.Now()
	}
	raw, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal route snapshot: %w", err)
	}
	if err := e.store.Put(ctx, e.syncPart, "route", raw); err != nil {
		return fmt.Errorf("failed to persist route snapshot: %w", err)
	}
	return nil
}

// advanceCursor persists the new checkpoint after a fully successful
// round.
func (e *Engine) advanceCursor(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	cursor := model.SyncCursor{Token: token, LastAdvanced: e.config.Now()}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := e.store.Put(ctx, e.syncPart, "cursor", raw); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}

// uploadLocations pushes the GPS trail recorded since the last upload.
// Best effort: failures are logged, never fail the round, and never
// block delivery outcomes.
func (e *Engine) uploadLocations(ctx context.Context) {
	if e.recorder == nil {
		return
	}

	through, err := e.recorder.UploadedThrough(ctx)
	if err != nil {
		e.config.Logger.Warnw("failed to read location upload cursor", "error", err)
		return
	}
	samples, err := e.recorder.Samples(ctx, through)
	if err != nil {
		e.config.Logger.Warnw("failed to load location samples", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	if err := e.client.PushLocations(ctx, samples); err != nil {
		e.config.Logger.Debugw("location upload failed", "count", len(samples), "error", err)
		return
	}

	var latest time.Time
	for _, s := range samples {
		if s.CapturedAt.After(latest) {
			latest = s.CapturedAt
		}
	}
	if err := e.recorder.MarkUploadedThrough(ctx, latest); err != nil {
		e.config.Logger.Warnw("failed to advance location upload cursor", "error", err)
	}
}
