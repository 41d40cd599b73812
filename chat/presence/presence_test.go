package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func registries(t *testing.T) map[string]func(t *testing.T) Registry {
	return map[string]func(t *testing.T) Registry{
		"memory": func(t *testing.T) Registry { return NewMemory() },
		"redis": func(t *testing.T) Registry {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedis(client, "test:")
		},
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	for name, open := range registries(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("snapshot is sorted and distinct", func(t *testing.T) {
				req := require.New(t)
				r := open(t)

				req.NoError(r.Add(ctx, "lobby", "c1", "bob"))
				req.NoError(r.Add(ctx, "lobby", "c2", "alice"))
				req.NoError(r.Add(ctx, "lobby", "c3", "bob"))

				users, err := r.Snapshot(ctx, "lobby")
				req.NoError(err)
				req.Equal([]string{"alice", "bob"}, users)
			})

			t.Run("shared name stays until last connection leaves", func(t *testing.T) {
				req := require.New(t)
				r := open(t)

				req.NoError(r.Add(ctx, "lobby", "c1", "bob"))
				req.NoError(r.Add(ctx, "lobby", "c2", "bob"))
				req.NoError(r.Remove(ctx, "lobby", "c1"))

				users, err := r.Snapshot(ctx, "lobby")
				req.NoError(err)
				req.Equal([]string{"bob"}, users)

				req.NoError(r.Remove(ctx, "lobby", "c2"))
				users, err = r.Snapshot(ctx, "lobby")
				req.NoError(err)
				req.Empty(users)
				req.NotNil(users)
			})

			t.Run("add is idempotent and renames", func(t *testing.T) {
				req := require.New(t)
				r := open(t)

				req.NoError(r.Add(ctx, "lobby", "c1", "anon"))
				req.NoError(r.Add(ctx, "lobby", "c1", "alice"))

				users, err := r.Snapshot(ctx, "lobby")
				req.NoError(err)
				req.Equal([]string{"alice"}, users)
			})

			t.Run("empty rooms are dropped", func(t *testing.T) {
				req := require.New(t)
				r := open(t)

				req.NoError(r.Add(ctx, "lobby", "c1", "alice"))
				req.NoError(r.Add(ctx, "games", "c1", "alice"))

				rooms, err := r.Rooms(ctx)
				req.NoError(err)
				req.Equal([]string{"games", "lobby"}, rooms)

				req.NoError(r.Remove(ctx, "lobby", "c1"))
				rooms, err = r.Rooms(ctx)
				req.NoError(err)
				req.Equal([]string{"games"}, rooms)
			})

			t.Run("remove of unknown entry is a no-op", func(t *testing.T) {
				req := require.New(t)
				r := open(t)

				req.NoError(r.Remove(ctx, "nowhere", "c1"))
				users, err := r.Snapshot(ctx, "nowhere")
				req.NoError(err)
				req.Empty(users)
			})

			t.Run("concurrent adds", func(t *testing.T) {
				req := require.New(t)
				r := open(t)

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_ = r.Add(ctx, "lobby", fmt.Sprintf("c%d", i), fmt.Sprintf("user%02d", i%10))
					}(i)
				}
				wg.Wait()

				users, err := r.Snapshot(ctx, "lobby")
				req.NoError(err)
				req.Len(users, 10)
			})
		})
	}
}

func TestRedisKeyLayout(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedis(client, "chat:")
	ctx := context.Background()

	req.NoError(r.Add(ctx, "lobby", "c1", "alice"))
	req.Equal("alice", mr.HGet("chat:presence:room:lobby", r.instance+"/c1"))
	req.Equal(DefaultLease, mr.TTL("chat:presence:instance:"+r.instance))
	members, err := mr.Members("chat:presence:rooms")
	req.NoError(err)
	req.Equal([]string{"lobby"}, members)

	req.NoError(r.Remove(ctx, "lobby", "c1"))
	req.False(mr.Exists("chat:presence:room:lobby"))
	req.False(mr.Exists("chat:presence:rooms"))
}

func TestRedisDropsEntriesOfStoppedInstance(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	crashed, alive := NewRedis(client, "chat:"), NewRedis(client, "chat:")
	req.NoError(crashed.Add(ctx, "lobby", "c1", "alice"))
	req.NoError(crashed.Add(ctx, "games", "c1", "alice"))
	req.NoError(alive.Add(ctx, "lobby", "c2", "bob"))

	names, err := alive.Snapshot(ctx, "lobby")
	req.NoError(err)
	req.Equal([]string{"alice", "bob"}, names)

	mr.FastForward(DefaultLease + time.Second)
	req.NoError(client.Set(ctx, alive.leaseKey(), 1, DefaultLease).Err())

	names, err = alive.Snapshot(ctx, "lobby")
	req.NoError(err)
	req.Equal([]string{"bob"}, names)
	fields, err := mr.HKeys("chat:presence:room:lobby")
	req.NoError(err)
	req.Equal([]string{alive.instance + "/c2"}, fields)

	rooms, err := alive.Rooms(ctx)
	req.NoError(err)
	req.Equal([]string{"lobby"}, rooms)
	req.False(mr.Exists("chat:presence:room:games"))
}

func TestRedisHeartbeatReleasesLease(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedis(client, "chat:")
	key := "chat:presence:instance:" + r.instance

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Heartbeat(ctx)
	}()

	req.Eventually(func() bool { return mr.Exists(key) }, time.Second, 10*time.Millisecond)
	req.Equal(DefaultLease, mr.TTL(key))

	cancel()
	<-done
	req.False(mr.Exists(key))
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	r := NewRedis(client, "chat:")
	mr.Close()

	err := r.Add(context.Background(), "lobby", "c1", "alice")
	require.Error(t, err)
}
