// Package sqlite provides a SQLite-backed message store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wricardo/chat-relay/chat/store"
	"github.com/wricardo/chat-relay/chat/store/sqlite/migrations"
)

// Store persists messages in a chat_messages table. The row id is the
// message sequence.
type Store struct {
	db *sql.DB

	// appends are serialised so LastN never observes a gap
	mu  sync.Mutex
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite message store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, room, username, body string) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (room_name, username, message, created_at) VALUES (?, ?, ?, ?)`,
		room, username, body, toMillis(createdAt),
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Message{}, fmt.Errorf("read message id: %w", err)
	}

	return store.Message{
		Seq:       id,
		Room:      room,
		Username:  username,
		Body:      body,
		CreatedAt: fromMillis(toMillis(createdAt)),
	}, nil
}

func (s *Store) LastN(ctx context.Context, room string, n int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []store.Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_name, username, message, created_at
		   FROM chat_messages
		  WHERE room_name = ?
		  ORDER BY id DESC
		  LIMIT ?`,
		room, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []store.Message{}
	for rows.Next() {
		var (
			msg       store.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.Seq, &msg.Room, &msg.Username, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room_name FROM chat_messages ORDER BY room_name`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []string{}
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}
