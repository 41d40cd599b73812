// Package badger provides a BadgerDB-backed message store.
package badger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/wricardo/chat-relay/chat/store"
)

const (
	msgPrefix  = "msg:"
	seqPrefix  = "seq:"
	roomPrefix = "room:"

	seqBandwidth = 100
)

// Store keeps messages under "msg:{hex room}:{seq padded}" so that a prefix
// scan returns a room's messages in sequence order. Sequences come from one
// badger.Sequence per room.
type Store struct {
	db *badger.DB

	mu     sync.Mutex
	seqs   map[string]*badger.Sequence
	closed bool
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a Badger database in dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened database. Close closes it.
func New(db *badger.DB) *Store {
	return &Store{
		db:   db,
		seqs: make(map[string]*badger.Sequence),
		now:  time.Now,
	}
}

func roomKey(room string) string {
	return hex.EncodeToString([]byte(room))
}

func messagePrefix(room string) []byte {
	return []byte(msgPrefix + roomKey(room) + ":")
}

func messageKey(room string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", msgPrefix, roomKey(room), seq))
}

// nextSeq returns the room's next sequence. Callers hold s.mu.
func (s *Store) nextSeq(room string) (int64, error) {
	seq, ok := s.seqs[room]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte(seqPrefix+roomKey(room)), seqBandwidth)
		if err != nil {
			return 0, fmt.Errorf("get sequence: %w", err)
		}
		s.seqs[room] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	// badger sequences start at zero
	return int64(n) + 1, nil
}

func (s *Store) Append(ctx context.Context, room, username, body string) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Message{}, store.ErrClosed
	}

	seq, err := s.nextSeq(room)
	if err != nil {
		return store.Message{}, err
	}
	msg := store.Message{
		Seq:       seq,
		Room:      room,
		Username:  username,
		Body:      body,
		CreatedAt: s.now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return store.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(room, seq), value); err != nil {
			return err
		}
		return txn.Set([]byte(roomPrefix+room), nil)
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

// LastN scans the room prefix backwards from its end and reverses the result.
func (s *Store) LastN(ctx context.Context, room string, n int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []store.Message{}, nil
	}

	var values [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(room)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if len(values) == n {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	msgs := make([]store.Message, len(values))
	for i, value := range values {
		var msg store.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs[len(values)-1-i] = msg
	}
	return msgs, nil
}

func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(roomPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rooms = append(rooms, strings.TrimPrefix(string(it.Item().Key()), roomPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read rooms: %w", err)
	}
	return rooms, nil
}

// Close releases the leased sequence ranges and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for room, seq := range s.seqs {
		_ = seq.Release()
		delete(s.seqs, room)
	}
	return s.db.Close()
}
