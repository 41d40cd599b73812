// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises a backend against the shared contract.
func Run(t *testing.T, open Factory) {
	t.Run("append assigns increasing sequences per room", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()

		a1, err := s.Append(ctx, "lobby", "alice", "one")
		req.NoError(err)
		a2, err := s.Append(ctx, "lobby", "bob", "two")
		req.NoError(err)
		b1, err := s.Append(ctx, "games", "carol", "three")
		req.NoError(err)

		req.Greater(a2.Seq, a1.Seq)
		req.Positive(a1.Seq)
		req.Positive(b1.Seq)
		req.Equal("lobby", a1.Room)
		req.Equal("alice", a1.Username)
		req.Equal("one", a1.Body)
		req.Equal(time.UTC, a1.CreatedAt.Location())
		req.WithinDuration(time.Now(), a1.CreatedAt, time.Minute)
	})

	t.Run("last n returns the newest messages oldest first", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()

		for i := 1; i <= 45; i++ {
			_, err := s.Append(ctx, "lobby", "alice", fmt.Sprintf("m%d", i))
			req.NoError(err)
		}

		msgs, err := s.LastN(ctx, "lobby", 30)
		req.NoError(err)
		req.Len(msgs, 30)
		req.Equal("m16", msgs[0].Body)
		req.Equal("m45", msgs[29].Body)
		for i := 1; i < len(msgs); i++ {
			req.Greater(msgs[i].Seq, msgs[i-1].Seq)
		}
	})

	t.Run("last n with fewer messages returns all", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()

		_, err := s.Append(ctx, "lobby", "alice", "only")
		req.NoError(err)

		msgs, err := s.LastN(ctx, "lobby", 30)
		req.NoError(err)
		req.Len(msgs, 1)
		req.Equal("only", msgs[0].Body)
	})

	t.Run("unknown room and non-positive n are empty", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()

		msgs, err := s.LastN(ctx, "nowhere", 10)
		req.NoError(err)
		req.Empty(msgs)

		_, err = s.Append(ctx, "lobby", "alice", "hi")
		req.NoError(err)
		msgs, err = s.LastN(ctx, "lobby", 0)
		req.NoError(err)
		req.Empty(msgs)
	})

	t.Run("rooms are isolated and listed sorted", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()

		rooms, err := s.Rooms(ctx)
		req.NoError(err)
		req.Empty(rooms)

		for _, room := range []string{"zeta", "alpha", "lobby/../etc", "Ünïcode room"} {
			_, err := s.Append(ctx, room, "alice", "hello "+room)
			req.NoError(err)
		}

		rooms, err = s.Rooms(ctx)
		req.NoError(err)
		req.Equal([]string{"alpha", "lobby/../etc", "zeta", "Ünïcode room"}, rooms)

		msgs, err := s.LastN(ctx, "alpha", 10)
		req.NoError(err)
		req.Len(msgs, 1)
		req.Equal("hello alpha", msgs[0].Body)
	})

	t.Run("longest room name", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()
		room := strings.Repeat("ü", protocol.MaxRoomRunes)

		_, err := s.Append(ctx, room, "alice", "first")
		req.NoError(err)
		_, err = s.Append(ctx, room, "bob", "second")
		req.NoError(err)

		msgs, err := s.LastN(ctx, room, 10)
		req.NoError(err)
		req.Len(msgs, 2)
		req.Equal(room, msgs[1].Room)
		req.Equal("second", msgs[1].Body)

		rooms, err := s.Rooms(ctx)
		req.NoError(err)
		req.Equal([]string{room}, rooms)
	})

	t.Run("concurrent appends get distinct sequences", func(t *testing.T) {
		req := require.New(t)
		s := open(t)
		ctx := context.Background()

		const writers, each = 8, 10
		var wg sync.WaitGroup
		errs := make(chan error, writers*each)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					if _, err := s.Append(ctx, "lobby", fmt.Sprintf("user%d", w), "x"); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			req.NoError(err)
		}

		msgs, err := s.LastN(ctx, "lobby", writers*each)
		req.NoError(err)
		req.Len(msgs, writers*each)
		seen := make(map[int64]bool)
		for i, m := range msgs {
			assert.False(t, seen[m.Seq], "duplicate seq %d", m.Seq)
			seen[m.Seq] = true
			if i > 0 {
				assert.Greater(t, m.Seq, msgs[i-1].Seq)
			}
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Append(ctx, "lobby", "alice", "hi")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
