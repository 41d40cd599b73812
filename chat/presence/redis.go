package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLease is how long an instance's entries stay on the roster after its
// last heartbeat.
const DefaultLease = 30 * time.Second

// removeScript drops a connection from a room hash and, when the hash is
// gone, the room from the index, in one step.
var removeScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
  redis.call("SREM", KEYS[2], ARGV[2])
end
return 1
`)

// sweepScript returns the names in a room hash whose owning instance still
// holds its lease, deleting the rest. Fields are "<instance>/<connection id>".
var sweepScript = redis.NewScript(`
local entries = redis.call("HGETALL", KEYS[1])
local live = {}
local names = {}
for i = 1, #entries, 2 do
  local instance = string.match(entries[i], "^([^/]+)/") or ""
  if live[instance] == nil then
    live[instance] = redis.call("EXISTS", ARGV[1] .. instance) == 1
  end
  if live[instance] then
    table.insert(names, entries[i + 1])
  else
    redis.call("HDEL", KEYS[1], entries[i])
  end
end
if redis.call("HLEN", KEYS[1]) == 0 then
  redis.call("SREM", KEYS[2], ARGV[2])
end
return names
`)

// Redis keeps the registry in Redis so several relay processes share rosters.
// Each process owns its entries through a lease; entries of a process that
// stopped heartbeating are dropped the next time the room is read.
//
// Layout:
//
//	<prefix>presence:room:<room>         hash    <instance>/<connection id> -> display name
//	<prefix>presence:rooms               set     rooms with at least one entry
//	<prefix>presence:instance:<instance> string  lease, expires after DefaultLease
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	instance string
	lease    time.Duration
}

// NewRedis creates a registry using client. Keys are namespaced with prefix.
// Run Heartbeat for as long as the registry is in use.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		client:   client,
		prefix:   prefix,
		instance: uuid.NewString(),
		lease:    DefaultLease,
	}
}

func (r *Redis) roomKey(room string) string {
	return r.prefix + "presence:room:" + room
}

func (r *Redis) indexKey() string {
	return r.prefix + "presence:rooms"
}

func (r *Redis) instancePrefix() string {
	return r.prefix + "presence:instance:"
}

func (r *Redis) leaseKey() string {
	return r.instancePrefix() + r.instance
}

func (r *Redis) field(connID string) string {
	return r.instance + "/" + connID
}

// Heartbeat renews the lease until ctx is done, then releases it.
func (r *Redis) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()

	for {
		// a failed renewal is retried on the next tick
		_ = r.client.Set(ctx, r.leaseKey(), 1, r.lease).Err()

		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = r.client.Del(releaseCtx, r.leaseKey()).Err()
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (r *Redis) Add(ctx context.Context, room, connID, name string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.leaseKey(), 1, r.lease)
		pipe.HSet(ctx, r.roomKey(room), r.field(connID), name)
		pipe.SAdd(ctx, r.indexKey(), room)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence add: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, room, connID string) error {
	if err := removeScript.Run(ctx, r.client, []string{r.roomKey(room), r.indexKey()}, r.field(connID), room).Err(); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

func (r *Redis) Snapshot(ctx context.Context, room string) ([]string, error) {
	names, err := r.sweep(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	return roster(names), nil
}

// Rooms sweeps every indexed room so rooms left behind by a stopped process
// are not listed.
func (r *Redis) Rooms(ctx context.Context) ([]string, error) {
	indexed, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence rooms: %w", err)
	}

	rooms := make([]string, 0, len(indexed))
	for _, room := range indexed {
		names, err := r.sweep(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("presence rooms: %w", err)
		}
		if len(names) > 0 {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (r *Redis) sweep(ctx context.Context, room string) ([]string, error) {
	return sweepScript.Run(ctx, r.client, []string{r.roomKey(room), r.indexKey()}, r.instancePrefix(), room).StringSlice()
}
