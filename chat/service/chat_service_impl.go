package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/wricardo/chat-relay/chat/broker"
	"github.com/wricardo/chat-relay/chat/presence"
	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/store"
)

// chatServiceImpl implements the ChatService interface
type chatServiceImpl struct {
	broker      broker.Broker
	presence    presence.Registry
	store       store.Store
	connections ConnectionCounter
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewChatService creates a new chat service instance
func NewChatService(b broker.Broker, p presence.Registry, st store.Store, connections ConnectionCounter, logger *slog.Logger) ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &chatServiceImpl{
		broker:      b,
		presence:    p,
		store:       st,
		connections: connections,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("component", "service"),
	}
}

// ListRooms returns every room that has people in it or a history
func (s *chatServiceImpl) ListRooms(ctx context.Context) ([]*RoomInfo, error) {
	live, err := s.presence.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list live rooms: %w", err)
	}
	stored, err := s.store.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored rooms: %w", err)
	}

	names := lo.Union(live, stored)
	sort.Strings(names)

	rooms := make([]*RoomInfo, 0, len(names))
	for _, name := range names {
		users, err := s.presence.Snapshot(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read roster of %s: %w", name, err)
		}
		rooms = append(rooms, &RoomInfo{Name: name, Users: users, Count: len(users)})
	}
	return rooms, nil
}

// GetRoom returns one room. A room with nobody present and no history does
// not exist.
func (s *chatServiceImpl) GetRoom(ctx context.Context, room string) (*RoomInfo, error) {
	room = strings.TrimSpace(room)
	users, err := s.presence.Snapshot(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	if len(users) == 0 {
		last, err := s.store.LastN(ctx, room, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		if len(last) == 0 {
			return nil, ErrRoomNotFound
		}
	}
	return &RoomInfo{Name: room, Users: users, Count: len(users)}, nil
}

// RoomUsers returns the sorted roster of a room
func (s *chatServiceImpl) RoomUsers(ctx context.Context, room string) ([]string, error) {
	users, err := s.presence.Snapshot(ctx, strings.TrimSpace(room))
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	return users, nil
}

// History returns up to limit recent messages, clamped to MaxHistoryLimit
func (s *chatServiceImpl) History(ctx context.Context, room string, limit int) (*HistoryResponse, error) {
	room = strings.TrimSpace(room)
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	msgs, err := s.store.LastN(ctx, room, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return &HistoryResponse{
		Room:     room,
		Limit:    limit,
		Messages: lo.Map(msgs, func(m store.Message, _ int) *MessageInfo { return toMessageInfo(m) }),
	}, nil
}

// PostMessage persists a message and broadcasts it to the room. Delivery is
// fire-and-forget: once the message is saved a broadcast failure is only
// logged.
func (s *chatServiceImpl) PostMessage(ctx context.Context, room, username, message string) (*MessageInfo, error) {
	req := PostRequest{
		Room:     strings.TrimSpace(room),
		Username: strings.TrimSpace(username),
		Message:  message,
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if req.Username == "" {
		req.Username = protocol.AnonymousUsername
	}

	msg, err := s.store.Append(ctx, req.Room, req.Username, req.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	ev := protocol.ChatMessage(msg.Room, msg.Username, msg.Body, msg.Seq)
	if err := s.broker.Publish(ctx, broker.GroupName(msg.Room), ev); err != nil {
		s.logger.Warn("broadcast of posted message failed", "room", msg.Room, "seq", msg.Seq, "error", err)
	}
	return toMessageInfo(msg), nil
}

// Stats reports liveness for the health endpoint
func (s *chatServiceImpl) Stats(ctx context.Context) (*Stats, error) {
	rooms, err := s.presence.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list live rooms: %w", err)
	}
	stats := &Stats{Status: "ok", Rooms: len(rooms)}
	if s.connections != nil {
		stats.Connections = s.connections.Count()
	}
	return stats, nil
}
