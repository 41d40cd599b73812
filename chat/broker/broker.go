package broker

import (
	"context"
	"errors"

	"github.com/wricardo/chat-relay/chat/protocol"
)

// ErrUnavailable is wrapped by every error caused by the broker being
// stopped or unreachable. Sessions treat it as fatal for their connection.
var ErrUnavailable = errors.New("broker unavailable")

// Member receives the events published to the groups it belongs to.
type Member interface {
	// ID identifies the member within a group.
	ID() string

	// Deliver hands an event to the member. It must not block.
	Deliver(ev protocol.Event)
}

// Broker fans events out to the members of named groups.
type Broker interface {
	AddMember(ctx context.Context, group string, m Member) error
	RemoveMember(ctx context.Context, group, memberID string) error
	Publish(ctx context.Context, group string, ev protocol.Event) error
	Close() error
}

// GroupName returns the group used for a chat room.
func GroupName(room string) string {
	return "chat_" + room
}
