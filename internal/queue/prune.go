package queue

import (
	"context"
	"sort"
	"time"

	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/store"
)

// PruneSynced deletes Synced actions last updated before the cutoff.
// Only Synced history is ever eligible: Pending, Syncing, Dead, and
// Resolved-but-held records are the queue's responsibility to keep.
func (m *Manager) PruneSynced(ctx context.Context, cutoff time.Time) (int, error) {
	actions, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	var ops []store.Op
	for _, a := range actions {
		if a.Status == model.StatusSynced && a.UpdatedAt.Before(cutoff) {
			ops = append(ops, store.Op{Kind: store.OpDelete, Partition: m.partition, Key: a.Key()})
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := m.store.Transaction(ctx, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// PruneSyncedOldest deletes up to n of the oldest Synced actions,
// regardless of age. Used when storage pressure demands shedding beyond
// the age-based pass.
func (m *Manager) PruneSyncedOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	actions, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	var synced []model.QueuedAction
	for _, a := range actions {
		if a.Status == model.StatusSynced {
			synced = append(synced, a)
		}
	}
	sort.Slice(synced, func(i, j int) bool { return synced[i].UpdatedAt.Before(synced[j].UpdatedAt) })
	if len(synced) < n {
		n = len(synced)
	}
	var ops []store.Op
	for _, a := range synced[:n] {
		ops = append(ops, store.Op{Kind: store.OpDelete, Partition: m.partition, Key: a.Key()})
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := m.store.Transaction(ctx, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}
