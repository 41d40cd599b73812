package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wricardo/chat-relay/chat/protocol"
)

type membership struct {
	group    string
	member   Member
	memberID string
	ack      chan struct{}
}

type envelope struct {
	group string
	event protocol.Event
	ack   chan struct{}
}

// Hub maintains the set of groups and broadcasts events to their members
type Hub struct {
	// Members by group, then by member ID. Owned by Run.
	groups map[string]map[string]Member

	// Publish requests
	broadcast chan envelope

	// Join requests
	register chan membership

	// Leave requests
	unregister chan membership

	quit     chan struct{}
	quitOnce sync.Once
	logger   *slog.Logger
}

var _ Broker = (*Hub)(nil)

// NewHub creates a new in-process hub. Run must be started before use.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups:     make(map[string]map[string]Member),
		broadcast:  make(chan envelope),
		register:   make(chan membership),
		unregister: make(chan membership),
		quit:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run starts the hub's event loop. It returns when ctx is done or Close is
// called; every later operation fails with ErrUnavailable.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case m := <-h.register:
			h.addMember(m)
			m.ack <- struct{}{}

		case m := <-h.unregister:
			h.removeMember(m)
			m.ack <- struct{}{}

		case env := <-h.broadcast:
			h.broadcastEvent(env)
			env.ack <- struct{}{}

		case <-ctx.Done():
			return

		case <-h.quit:
			return
		}
	}
}

// Close stops the event loop.
func (h *Hub) Close() error {
	h.stop()
	return nil
}

func (h *Hub) stop() {
	h.quitOnce.Do(func() { close(h.quit) })
}

func (h *Hub) stopped() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

// AddMember puts m in group. It returns once the loop has applied the change.
func (h *Hub) AddMember(ctx context.Context, group string, m Member) error {
	return h.send(ctx, h.register, membership{group: group, member: m, memberID: m.ID(), ack: make(chan struct{}, 1)})
}

// RemoveMember takes memberID out of group.
func (h *Hub) RemoveMember(ctx context.Context, group, memberID string) error {
	return h.send(ctx, h.unregister, membership{group: group, memberID: memberID, ack: make(chan struct{}, 1)})
}

// Publish delivers ev to every current member of group.
func (h *Hub) Publish(ctx context.Context, group string, ev protocol.Event) error {
	if h.stopped() {
		return fmt.Errorf("publish to %s: %w", group, ErrUnavailable)
	}
	env := envelope{group: group, event: ev, ack: make(chan struct{}, 1)}
	select {
	case h.broadcast <- env:
	case <-h.quit:
		return fmt.Errorf("publish to %s: %w", group, ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.wait(ctx, env.ack)
}

func (h *Hub) send(ctx context.Context, ch chan membership, m membership) error {
	if h.stopped() {
		return fmt.Errorf("update %s: %w", m.group, ErrUnavailable)
	}
	select {
	case ch <- m:
	case <-h.quit:
		return fmt.Errorf("update %s: %w", m.group, ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.wait(ctx, m.ack)
}

func (h *Hub) wait(ctx context.Context, ack chan struct{}) error {
	select {
	case <-ack:
		return nil
	case <-h.quit:
		// the loop may have handled the request just before stopping
		select {
		case <-ack:
			return nil
		default:
			return ErrUnavailable
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// addMember adds a member to a group
func (h *Hub) addMember(m membership) {
	members := h.groups[m.group]
	if members == nil {
		members = make(map[string]Member)
		h.groups[m.group] = members
	}
	members[m.memberID] = m.member

	h.logger.Debug("member added", "group", m.group, "member", m.memberID, "members", len(members))
}

// removeMember removes a member from a group
func (h *Hub) removeMember(m membership) {
	members, ok := h.groups[m.group]
	if !ok {
		return
	}
	if _, ok := members[m.memberID]; !ok {
		return
	}
	delete(members, m.memberID)

	// Clean up empty groups
	if len(members) == 0 {
		delete(h.groups, m.group)
	}

	h.logger.Debug("member removed", "group", m.group, "member", m.memberID, "members", len(members))
}

// broadcastEvent hands the event to every member of the group
func (h *Hub) broadcastEvent(env envelope) {
	for _, m := range h.groups[env.group] {
		m.Deliver(env.event)
	}
}
