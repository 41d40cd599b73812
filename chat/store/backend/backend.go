// Package backend opens a message store by name.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wricardo/chat-relay/chat/store"
	"github.com/wricardo/chat-relay/chat/store/badger"
	"github.com/wricardo/chat-relay/chat/store/sqlite"
)

// Names accepted by Open.
const (
	Memory = "memory"
	File   = "file"
	SQLite = "sqlite"
	Badger = "badger"
)

// Open opens the kind backend at path. path is a file for sqlite and a
// directory for file and badger; memory ignores it.
func Open(ctx context.Context, kind, path string) (store.Store, error) {
	switch kind {
	case Memory:
		return store.NewMemory(), nil
	case File:
		return store.NewFile(path)
	case SQLite:
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		return sqlite.Open(ctx, path)
	case Badger:
		return badger.Open(path)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}
