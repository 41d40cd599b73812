package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/wricardo/chat-relay/chat/broker"
	"github.com/wricardo/chat-relay/chat/presence"
	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/store"
)

var (
	ErrClosed   = errors.New("session closed")
	ErrNotFound = errors.New("session not found")

	// ErrNotSaved is returned when a message could not be persisted. The
	// message is not broadcast.
	ErrNotSaved = errors.New("message could not be saved")
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnected State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Peer is the outbound side of a client connection.
type Peer interface {
	// Send queues one frame without blocking. It fails when the queue is
	// full or the connection is gone.
	Send(frame []byte) error

	// Close tears the connection down. It is safe to call more than once and
	// must not block.
	Close() error
}

// roomState is what a session remembers about one joined room.
type roomState struct {
	// name the session joined under; used for the roster and the leave notice
	name string

	// ready is false while the history backlog is being sent. Live events
	// are parked in pending until then.
	ready   bool
	pending []protocol.Event

	// watermark is the sequence of the newest backlog message. Live chat
	// messages at or below it were already sent as history.
	watermark int64
}

// Session is the server side of one client connection.
type Session struct {
	id     string
	peer   Peer
	deps   *deps
	logger *slog.Logger

	mu     sync.Mutex
	name   string
	rooms  map[string]*roomState
	closed bool
}

// deps are shared by every session of a Manager.
type deps struct {
	broker       broker.Broker
	presence     presence.Registry
	store        store.Store
	locks        *roomLocks
	historyLimit int
}

func newSession(id string, peer Peer, d *deps, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		peer:   peer,
		deps:   d,
		logger: logger.With("conn", id),
		name:   protocol.AnonymousUsername,
		rooms:  make(map[string]*roomState),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Name returns the current display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State reports where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case len(s.rooms) > 0:
		return StateActive
	default:
		return StateConnected
	}
}

// Rooms returns the joined rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := lo.Keys(s.rooms)
	sort.Strings(rooms)
	return rooms
}

// Handle applies one decoded client frame. Recoverable failures are reported
// to the client as error frames and logged; the returned error is non-nil
// only when the connection should be closed.
func (s *Session) Handle(ctx context.Context, in protocol.Inbound) error {
	var err error
	switch in.Type {
	case protocol.TypeJoin:
		err = s.Join(ctx, in.Room, in.Name())
	case protocol.TypeLeaveRoom:
		err = s.LeaveRoom(ctx, in.Room)
	case protocol.TypeMessage:
		err = s.SendMessage(ctx, in.Room, in.Body(), in.Name())
	case protocol.TypeTyping:
		err = s.SetTyping(ctx, in.Room, in.Typing(), in.Name())
	default:
		s.logger.Debug("ignoring frame", "type", in.Type)
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, broker.ErrUnavailable) || errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	s.logger.Warn("frame failed", "type", in.Type, "room", in.Room, "error", err)
	text := "request failed"
	if errors.Is(err, ErrNotSaved) {
		text = ErrNotSaved.Error()
	}
	s.SendError(in.Room, text)
	return nil
}

// Join adds the session to room. A non-empty name becomes the session's
// display name first. Joining a room twice is a no-op.
func (s *Session) Join(ctx context.Context, room, name string) error {
	unlock := s.deps.locks.Lock(room)
	defer unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if name != "" {
		s.name = name
	}
	if _, ok := s.rooms[room]; ok {
		s.mu.Unlock()
		return nil
	}
	rs := &roomState{name: s.name}
	s.rooms[room] = rs
	s.mu.Unlock()

	logger := s.logger.With("room", room)
	group := broker.GroupName(room)

	if err := s.deps.broker.AddMember(ctx, group, s); err != nil {
		s.forget(room)
		return fmt.Errorf("join %s: %w", room, err)
	}

	history, err := s.deps.store.LastN(ctx, room, s.deps.historyLimit)
	if err != nil {
		logger.Warn("history unavailable", "error", err)
		s.SendError(room, "history unavailable")
		history = nil
	}
	for _, msg := range history {
		frame, err := protocol.HistoryFrame(room, msg.Username, msg.Body)
		if err != nil {
			logger.Error("render history", "error", err)
			continue
		}
		s.send(frame)
	}
	s.markReady(rs, history)

	if err := s.deps.presence.Add(ctx, room, s.id, rs.name); err != nil {
		s.forget(room)
		_ = s.deps.broker.RemoveMember(ctx, group, s.id)
		return fmt.Errorf("join %s: presence: %w", room, err)
	}

	users, err := s.deps.presence.Snapshot(ctx, room)
	if err != nil {
		return fmt.Errorf("join %s: roster: %w", room, err)
	}
	if err := s.deps.broker.Publish(ctx, group, protocol.UsersUpdate(room, users)); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	if err := s.deps.broker.Publish(ctx, group, protocol.Joined(room, rs.name)); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}

	logger.Info("joined", "username", rs.name)
	return nil
}

// markReady records the backlog watermark and flushes events that arrived
// while the backlog was being sent.
func (s *Session) markReady(rs *roomState, history []store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(history) > 0 {
		rs.watermark = history[len(history)-1].Seq
	}
	rs.ready = true
	pending := rs.pending
	rs.pending = nil
	for _, ev := range pending {
		s.emitLocked(rs, ev)
	}
}

func (s *Session) forget(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// LeaveRoom removes the session from room. Leaving a room the session is not
// in is a no-op.
func (s *Session) LeaveRoom(ctx context.Context, room string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.leave(ctx, room)
}

// leave runs every cleanup step even when an earlier one fails.
func (s *Session) leave(ctx context.Context, room string) error {
	unlock := s.deps.locks.Lock(room)
	defer unlock()

	s.mu.Lock()
	rs, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.rooms, room)
	s.mu.Unlock()

	group := broker.GroupName(room)
	var errs []error

	if err := s.deps.broker.RemoveMember(ctx, group, s.id); err != nil {
		errs = append(errs, err)
	}
	if err := s.deps.presence.Remove(ctx, room, s.id); err != nil {
		errs = append(errs, fmt.Errorf("presence: %w", err))
	}
	if users, err := s.deps.presence.Snapshot(ctx, room); err != nil {
		errs = append(errs, fmt.Errorf("roster: %w", err))
	} else if err := s.deps.broker.Publish(ctx, group, protocol.UsersUpdate(room, users)); err != nil {
		errs = append(errs, err)
	}
	if err := s.deps.broker.Publish(ctx, group, protocol.Left(room, rs.name)); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	s.logger.Info("left", "room", room, "username", rs.name)
	return nil
}

// SendMessage persists body and then broadcasts it to room. The session does
// not have to be in the room. An empty name falls back to the display name.
func (s *Session) SendMessage(ctx context.Context, room, body, name string) error {
	username, err := s.author(name)
	if err != nil {
		return err
	}

	msg, err := s.deps.store.Append(ctx, room, username, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSaved, err)
	}
	if err := s.deps.broker.Publish(ctx, broker.GroupName(room), protocol.ChatMessage(room, msg.Username, msg.Body, msg.Seq)); err != nil {
		return fmt.Errorf("message %s: %w", room, err)
	}
	return nil
}

// SetTyping broadcasts a typing indicator. Nothing is persisted.
func (s *Session) SetTyping(ctx context.Context, room string, isTyping bool, name string) error {
	username, err := s.author(name)
	if err != nil {
		return err
	}
	if err := s.deps.broker.Publish(ctx, broker.GroupName(room), protocol.Typing(room, username, isTyping)); err != nil {
		return fmt.Errorf("typing %s: %w", room, err)
	}
	return nil
}

func (s *Session) author(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if name != "" {
		return name, nil
	}
	return s.name, nil
}

// Disconnect leaves every joined room and closes the session. Cleanup keeps
// going past individual failures.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := lo.Keys(s.rooms)
	s.mu.Unlock()

	sort.Strings(rooms)
	var errs []error
	for _, room := range rooms {
		if err := s.leave(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver receives a group event from the broker. Events for rooms the
// session is not in are dropped.
func (s *Session) Deliver(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	rs, ok := s.rooms[ev.Room]
	if !ok {
		return
	}
	if !rs.ready {
		rs.pending = append(rs.pending, ev)
		return
	}
	s.emitLocked(rs, ev)
}

func (s *Session) emitLocked(rs *roomState, ev protocol.Event) {
	if ev.Kind == protocol.EventChatMessage && ev.Seq > 0 && ev.Seq <= rs.watermark {
		return
	}
	frame, err := protocol.Render(ev)
	if err != nil {
		s.logger.Error("render event", "kind", ev.Kind, "error", err)
		return
	}
	s.send(frame)
}

// SendError queues an error frame for this client only.
func (s *Session) SendError(room, text string) {
	frame, err := protocol.ErrorFrame(room, text)
	if err != nil {
		return
	}
	s.send(frame)
}

// send queues a frame and drops the connection when the client cannot keep up.
func (s *Session) send(frame []byte) {
	if err := s.peer.Send(frame); err != nil {
		s.logger.Warn("outbound queue rejected frame, closing", "error", err)
		_ = s.peer.Close()
	}
}
