package service

import (
	"context"
	"errors"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ChatService is the read model and posting surface used by the HTTP API
// and the MCP tools.
type ChatService interface {
	// Rooms
	ListRooms(ctx context.Context) ([]*RoomInfo, error)
	GetRoom(ctx context.Context, room string) (*RoomInfo, error)
	RoomUsers(ctx context.Context, room string) ([]string, error)

	// Messages
	History(ctx context.Context, room string, limit int) (*HistoryResponse, error)
	PostMessage(ctx context.Context, room, username, message string) (*MessageInfo, error)

	// Health
	Stats(ctx context.Context) (*Stats, error)
}

// ConnectionCounter reports the number of live client connections.
type ConnectionCounter interface {
	Count() int
}
