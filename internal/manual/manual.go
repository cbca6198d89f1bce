// Package manual stores resolution entries for conflicts the resolver
// could not decide automatically.
//
// Entries function as a dead-letter analogue: they are never purged by
// retention, and they clear only through an explicit human decision fed
// back via the status surface.
package manual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/store"
)

// ErrNoEntry means no open entry exists for the given ID.
var ErrNoEntry = errors.New("manual: no such resolution entry")

// Manager persists manual resolution entries under one partition.
type Manager struct {
	store     *store.Store
	partition string // "<driver>/<day>/manual"
}

// New creates a manager persisting under the given partition prefix.
func New(st *store.Store, partitionPrefix string) *Manager {
	return &Manager{store: st, partition: partitionPrefix + "/manual"}
}

// Add persists an entry. One action has at most one open entry; a second
// Add for the same action overwrites the first.
func (m *Manager) Add(ctx context.Context, entry *model.ManualResolutionEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution entry: %w", err)
	}
	if err := m.store.Put(ctx, m.partition, entry.ID, raw); err != nil {
		return fmt.Errorf("failed to persist resolution entry %s: %w", entry.ID, err)
	}
	return nil
}

// Get returns one entry by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.ManualResolutionEntry, error) {
	raw, err := m.store.Get(ctx, m.partition, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	if err != nil {
		return nil, err
	}
	var entry model.ManualResolutionEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt resolution entry %s: %w", id, err)
	}
	return &entry, nil
}

// List returns all open entries, oldest first.
func (m *Manager) List(ctx context.Context) ([]model.ManualResolutionEntry, error) {
	records, err := m.store.List(ctx, m.partition)
	if err != nil {
		return nil, err
	}
	entries := make([]model.ManualResolutionEntry, 0, len(records))
	for _, rec := range records {
		var entry model.ManualResolutionEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// Clear removes an entry after a human decision was applied.
func (m *Manager) Clear(ctx context.Context, id string) error {
	return m.store.Delete(ctx, m.partition, id)
}

// Count returns the number of open entries.
func (m *Manager) Count(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx, m.partition)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
