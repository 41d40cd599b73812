// Package broker provides the group broadcaster that carries events between
// chat sessions.
//
// A group is a named set of members; every room maps to the group
// GroupName(room). Publishing to a group delivers the event once to each
// member that belongs to it when the publish is processed. Delivery never
// waits on a member: Member.Deliver is required to return immediately.
//
// Two implementations are available:
//
//   - Hub keeps groups in process and serialises every membership change and
//     publish through a single event loop.
//   - Redis relays events over Redis pub/sub so sessions connected to
//     different processes share rooms. Each process subscribes to a group's
//     channel while it has at least one local member.
//
// Usage:
//
//	hub := broker.NewHub(logger)
//	go hub.Run(ctx)
//
//	err := hub.AddMember(ctx, broker.GroupName("lobby"), session)
//	err = hub.Publish(ctx, broker.GroupName("lobby"), protocol.Joined("lobby", "alice"))
//
// Errors caused by a stopped or unreachable broker wrap ErrUnavailable.
package broker
