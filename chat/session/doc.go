// Package session implements the per-connection chat state machine.
//
// A Session is created by Manager.Connect when a client connects, moves to
// the active state once it has joined a room, and is closed by
// Manager.Disconnect. Every room operation coordinates three shared
// components:
//
//   - the broker, which carries events to the members of a room group
//   - the presence registry, which holds the room rosters
//   - the message store, which persists chat messages
//
// Joining a room registers the session as a group member, replays the last
// messages of the room to the client, adds the session to the roster and
// broadcasts the new roster followed by a join notice. Leaving reverses the
// steps. Messages are persisted before they are broadcast; a message that
// could not be saved is never broadcast.
//
// Concurrency:
//
// Frames of one connection are handled one at a time. Compound room
// operations hold a per-room lock, so concurrent joins to the same room
// serialise while different rooms proceed in parallel. A session's own mutex
// is held only for short state updates and frame queueing, never across a
// broker, presence or store call.
//
// Usage:
//
//	manager := session.NewManager(hub, presence.NewMemory(), store.NewMemory(),
//		session.WithLogger(logger))
//
//	sess := manager.Connect(peer)
//	err := manager.HandleFrame(ctx, sess.ID(), raw)
//	err = manager.Disconnect(ctx, sess.ID())
package session
