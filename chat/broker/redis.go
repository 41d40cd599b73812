package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/wricardo/chat-relay/chat/protocol"
)

// Redis is a broker whose groups span every process connected to the same
// Redis server. Local members are tracked in memory; events travel on the
// channel <prefix><group>.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	pubsub *redis.PubSub

	// subMu serialises the subscribe/unsubscribe decision for a group.
	subMu sync.Mutex

	mu     sync.RWMutex
	groups map[string]map[string]Member

	// confirm holds one waiter per channel with a SUBSCRIBE in flight.
	confirmMu sync.Mutex
	confirm   map[string]chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ Broker = (*Redis)(nil)

// NewRedis checks that the server answers and starts the receive loop.
func NewRedis(ctx context.Context, client redis.UniversalClient, prefix string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w: %v", ErrUnavailable, err)
	}

	// Subscribe to a control channel up front so the receive loop always has
	// an active subscription to read from.
	pubsub := client.Subscribe(ctx, prefix+"broker")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w: %v", ErrUnavailable, err)
	}

	r := &Redis{
		client:  client,
		prefix:  prefix,
		logger:  logger.With("component", "redis-broker"),
		pubsub:  pubsub,
		groups:  make(map[string]map[string]Member),
		confirm: make(map[string]chan struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.receive(pubsub.ChannelWithSubscriptions())
	return r, nil
}

func (r *Redis) channel(group string) string {
	return r.prefix + group
}

func (r *Redis) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// AddMember registers m locally and subscribes to the group channel when m is
// the first local member. It returns once the server has confirmed the
// subscription, so events published afterwards reach m.
func (r *Redis) AddMember(ctx context.Context, group string, m Member) error {
	if r.isClosed() {
		return fmt.Errorf("add member to %s: %w", group, ErrUnavailable)
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]Member)
		r.groups[group] = members
	}
	members[m.ID()] = m
	r.mu.Unlock()

	if ok {
		return nil
	}

	channel := r.channel(group)
	confirmed := make(chan struct{})
	r.confirmMu.Lock()
	r.confirm[channel] = confirmed
	r.confirmMu.Unlock()

	err := r.pubsub.Subscribe(ctx, channel)
	if err == nil {
		select {
		case <-confirmed:
		case <-r.closed:
			err = ErrUnavailable
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	r.confirmMu.Lock()
	delete(r.confirm, channel)
	r.confirmMu.Unlock()

	if err != nil {
		r.mu.Lock()
		delete(r.groups, group)
		r.mu.Unlock()
		if !r.isClosed() {
			_ = r.pubsub.Unsubscribe(context.WithoutCancel(ctx), channel)
		}
		return fmt.Errorf("subscribe %s: %w: %v", group, ErrUnavailable, err)
	}
	r.logger.Debug("subscribed", "group", group)
	return nil
}

// RemoveMember drops memberID locally and unsubscribes when the group has no
// local members left.
func (r *Redis) RemoveMember(ctx context.Context, group, memberID string) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	members, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(members, memberID)
	empty := len(members) == 0
	if empty {
		delete(r.groups, group)
	}
	r.mu.Unlock()

	if !empty || r.isClosed() {
		return nil
	}
	if err := r.pubsub.Unsubscribe(ctx, r.channel(group)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w: %v", group, ErrUnavailable, err)
	}
	r.logger.Debug("unsubscribed", "group", group)
	return nil
}

// Publish sends ev to every process subscribed to group.
func (r *Redis) Publish(ctx context.Context, group string, ev protocol.Event) error {
	if r.isClosed() {
		return fmt.Errorf("publish to %s: %w", group, ErrUnavailable)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(group), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w: %v", group, ErrUnavailable, err)
	}
	return nil
}

// Close stops the receive loop. The client is left open for its owner.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.pubsub.Close()
		<-r.done
	})
	return err
}

func (r *Redis) receive(ch <-chan interface{}) {
	defer close(r.done)

	for item := range ch {
		var msg *redis.Message
		switch v := item.(type) {
		case *redis.Subscription:
			if v.Kind == "subscribe" {
				r.confirmed(v.Channel)
			}
			continue
		case *redis.Message:
			msg = v
		default:
			continue
		}

		group, ok := strings.CutPrefix(msg.Channel, r.prefix)
		if !ok {
			continue
		}

		var ev protocol.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.logger.Warn("dropping undecodable event", "group", group, "error", err)
			continue
		}

		r.mu.RLock()
		for _, m := range r.groups[group] {
			m.Deliver(ev)
		}
		r.mu.RUnlock()
	}
}

// confirmed wakes the AddMember waiting on channel, if any. Resubscriptions
// after a reconnect have no waiter.
func (r *Redis) confirmed(channel string) {
	r.confirmMu.Lock()
	defer r.confirmMu.Unlock()
	if ch, ok := r.confirm[channel]; ok {
		close(ch)
		delete(r.confirm, channel)
	}
}
