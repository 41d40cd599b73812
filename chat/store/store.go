// Package store persists chat messages per room.
//
// Every backend assigns a sequence number that strictly increases within a
// room and serialises appends so that LastN always observes a consistent
// prefix of the room's log. Sessions rely on that sequence to drop live
// messages already covered by the history backlog they sent on join.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Message is one persisted chat message. Messages are immutable.
type Message struct {
	Seq       int64     `json:"seq"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the message log used by sessions and the HTTP read model.
type Store interface {
	// Append persists a message and returns it with its sequence and timestamp.
	Append(ctx context.Context, room, username, body string) (Message, error)

	// LastN returns up to n most recent messages of room, oldest first.
	LastN(ctx context.Context, room string, n int) ([]Message, error)

	// Rooms returns every room with at least one message, sorted.
	Rooms(ctx context.Context) ([]string, error)

	Close() error
}

// Memory keeps messages in process memory. Contents are lost on restart.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string][]Message
	closed bool
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string][]Message),
		now:   time.Now,
	}
}

func (m *Memory) Append(ctx context.Context, room, username, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Message{}, ErrClosed
	}

	msgs := m.rooms[room]
	msg := Message{
		Seq:       int64(len(msgs)) + 1,
		Room:      room,
		Username:  username,
		Body:      body,
		CreatedAt: m.now().UTC(),
	}
	m.rooms[room] = append(msgs, msg)
	return msg, nil
}

func (m *Memory) LastN(ctx context.Context, room string, n int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	return tail(m.rooms[room], n), nil
}

func (m *Memory) Rooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// tail copies the last n messages of msgs.
func tail(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) == 0 {
		return []Message{}
	}
	if n > len(msgs) {
		n = len(msgs)
	}
	out := make([]Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out
}
