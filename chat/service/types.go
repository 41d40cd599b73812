package service

import (
	"time"

	"github.com/wricardo/chat-relay/chat/store"
)

// RoomInfo describes a room and who is in it
type RoomInfo struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// MessageInfo is a persisted chat message
type MessageInfo struct {
	Seq       int64     `json:"seq"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse holds the most recent messages of a room, oldest first
type HistoryResponse struct {
	Room     string         `json:"room"`
	Limit    int            `json:"limit"`
	Messages []*MessageInfo `json:"messages"`
}

// Stats is reported by the health endpoint
type Stats struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// PostRequest is the body of a posted message
type PostRequest struct {
	Room     string `json:"room" validate:"required,max=255"`
	Username string `json:"username" validate:"max=100"`
	Message  string `json:"message" validate:"required,max=2000"`
}

func toMessageInfo(m store.Message) *MessageInfo {
	return &MessageInfo{
		Seq:       m.Seq,
		Room:      m.Room,
		Username:  m.Username,
		Message:   m.Body,
		CreatedAt: m.CreatedAt,
	}
}
