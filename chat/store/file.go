package store

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileExt = ".jsonl"

// File stores each room as a JSON-lines file in a directory. Files are named
// by the sha256 of the room name, so every room maps to a safe path of fixed
// length; the room name itself is kept on each line.
type File struct {
	dir string

	mu     sync.Mutex
	seqs   map[string]int64
	closed bool
	now    func() time.Time
}

// NewFile creates a file-backed store rooted at dir
func NewFile(dir string) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &File{
		dir:  dir,
		seqs: make(map[string]int64),
		now:  time.Now,
	}, nil
}

// Append writes one line to the room's file
func (f *File) Append(ctx context.Context, room, username, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Message{}, ErrClosed
	}

	seq, ok := f.seqs[room]
	if !ok {
		msgs, err := f.readRoom(room)
		if err != nil {
			return Message{}, err
		}
		if len(msgs) > 0 {
			seq = msgs[len(msgs)-1].Seq
		}
	}

	msg := Message{
		Seq:       seq + 1,
		Room:      room,
		Username:  username,
		Body:      body,
		CreatedAt: f.now().UTC(),
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	file, err := os.OpenFile(f.roomPath(room), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return Message{}, fmt.Errorf("failed to open room file: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return Message{}, fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Close(); err != nil {
		return Message{}, fmt.Errorf("failed to close room file: %w", err)
	}

	f.seqs[room] = msg.Seq
	return msg, nil
}

// LastN reads the room's file and keeps the tail
func (f *File) LastN(ctx context.Context, room string, n int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	msgs, err := f.readRoom(room)
	if err != nil {
		return nil, err
	}
	return tail(msgs, n), nil
}

// Rooms lists the rooms that have a file
func (f *File) Rooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	rooms := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		room, ok := firstRoom(filepath.Join(f.dir, name))
		if !ok || f.roomPath(room) != filepath.Join(f.dir, name) {
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *File) roomPath(room string) string {
	sum := sha256.Sum256([]byte(room))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+fileExt)
}

// firstRoom reads the room name off the first line of a room file.
func firstRoom(path string) (string, bool) {
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return "", false
	}
	var msg Message
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Room == "" {
		return "", false
	}
	return msg.Room, true
}

// readRoom loads every message of room. A missing file is an empty room.
func (f *File) readRoom(room string) ([]Message, error) {
	file, err := os.Open(f.roomPath(room))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open room file: %w", err)
	}
	defer file.Close()

	var msgs []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read room file: %w", err)
	}
	return msgs, nil
}
