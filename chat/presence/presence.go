// Package presence tracks which connections are in which room under which
// display name.
//
// Entries are keyed by connection id, so two connections sharing a name keep
// the name on the roster until both have left. A room with no entries is
// removed from the registry.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry is the room roster shared by every session.
type Registry interface {
	Add(ctx context.Context, room, connID, name string) error
	Remove(ctx context.Context, room, connID string) error

	// Snapshot returns the sorted distinct names present in room.
	Snapshot(ctx context.Context, room string) ([]string, error)

	// Rooms returns every room with at least one entry, sorted.
	Rooms(ctx context.Context) ([]string, error)
}

// Memory is a process-local registry.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string]string
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]string)}
}

func (m *Memory) Add(_ context.Context, room, connID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.rooms[room]
	if !ok {
		entries = make(map[string]string)
		m.rooms[room] = entries
	}
	entries[connID] = name
	return nil
}

func (m *Memory) Remove(_ context.Context, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.rooms[room]
	if !ok {
		return nil
	}
	delete(entries, connID)
	if len(entries) == 0 {
		delete(m.rooms, room)
	}
	return nil
}

func (m *Memory) Snapshot(_ context.Context, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return roster(lo.Values(m.rooms[room])), nil
}

func (m *Memory) Rooms(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := lo.Keys(m.rooms)
	sort.Strings(rooms)
	return rooms, nil
}

// roster dedupes and sorts names. It never returns nil.
func roster(names []string) []string {
	out := lo.Uniq(names)
	if out == nil {
		out = []string{}
	}
	sort.Strings(out)
	return out
}
