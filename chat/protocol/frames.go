package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Inbound frame types.
const (
	TypeJoin      = "join"
	TypeLeaveRoom = "leave_room"
	TypeMessage   = "message"
	TypeTyping    = "typing"
)

// Outbound-only frame types.
const (
	TypeUsersUpdate = "users_update"
	TypeError       = "error"
)

const (
	// AnonymousUsername is used until a connection names itself.
	AnonymousUsername = "Anonymous"

	// SystemUsername authors join and leave notices.
	SystemUsername = "System"

	MaxRoomRunes     = 255
	MaxUsernameRunes = 100
	MaxMessageRunes  = 2000
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound is a decoded client frame. Optional fields are pointers so that an
// absent username can be told apart from an empty one.
type Inbound struct {
	Type     string  `json:"type"`
	Room     string  `json:"room" validate:"required,max=255"`
	Username *string `json:"username,omitempty" validate:"omitempty,max=100"`
	Message  *string `json:"message,omitempty" validate:"omitempty,max=2000"`
	IsTyping *bool   `json:"is_typing,omitempty"`
}

// Name returns the trimmed username carried by the frame, or "".
func (in Inbound) Name() string {
	if in.Username == nil {
		return ""
	}
	return strings.TrimSpace(*in.Username)
}

// Body returns the message text carried by the frame, or "".
func (in Inbound) Body() string {
	if in.Message == nil {
		return ""
	}
	return *in.Message
}

// Typing reports the is_typing flag, false when absent.
func (in Inbound) Typing() bool {
	return in.IsTyping != nil && *in.IsTyping
}

// Decode parses and validates a raw client frame.
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		in.Type = TypeMessage
	}
	switch in.Type {
	case TypeJoin, TypeLeaveRoom, TypeMessage, TypeTyping:
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}

	in.Room = strings.TrimSpace(in.Room)
	if err := validate.Struct(in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// a blank body is refused, not stored and broadcast as ""
	if in.Type == TypeMessage && strings.TrimSpace(in.Body()) == "" {
		return Inbound{}, fmt.Errorf("%w: message is required", ErrMalformed)
	}
	return in, nil
}

// EventKind names the events carried between sessions by the broker.
type EventKind string

const (
	EventChatMessage   EventKind = "chat_message"
	EventUsersUpdate   EventKind = "users_update"
	EventSystemMessage EventKind = "system_message"
	EventTyping        EventKind = "typing"
)

// Event is what a session publishes to a room group. Seq is the store
// sequence of a chat message and is zero for every other kind.
type Event struct {
	Kind     EventKind `json:"kind"`
	Room     string    `json:"room"`
	Username string    `json:"username,omitempty"`
	Message  string    `json:"message,omitempty"`
	Users    []string  `json:"users,omitempty"`
	IsTyping bool      `json:"is_typing,omitempty"`
	Seq      int64     `json:"seq,omitempty"`
}

// ChatMessage builds the event for a persisted message.
func ChatMessage(room, username, body string, seq int64) Event {
	return Event{Kind: EventChatMessage, Room: room, Username: username, Message: body, Seq: seq}
}

// UsersUpdate builds a roster event.
func UsersUpdate(room string, users []string) Event {
	return Event{Kind: EventUsersUpdate, Room: room, Users: users}
}

// Joined builds the system notice for a join.
func Joined(room, username string) Event {
	return Event{Kind: EventSystemMessage, Room: room, Message: fmt.Sprintf("%s joined %s.", username, room)}
}

// Left builds the system notice for a leave.
func Left(room, username string) Event {
	return Event{Kind: EventSystemMessage, Room: room, Message: fmt.Sprintf("%s left %s.", username, room)}
}

// Typing builds a typing indicator event.
func Typing(room, username string, isTyping bool) Event {
	return Event{Kind: EventTyping, Room: room, Username: username, IsTyping: isTyping}
}

type messageFrame struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
	Message  string `json:"message"`
	History  bool   `json:"history,omitempty"`
}

type usersFrame struct {
	Type  string   `json:"type"`
	Room  string   `json:"room"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type typingFrame struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message"`
}

// Render turns a group event into the frame sent to one client.
func Render(ev Event) ([]byte, error) {
	var frame any
	switch ev.Kind {
	case EventChatMessage:
		frame = messageFrame{Type: TypeMessage, Room: ev.Room, Username: ev.Username, Message: ev.Message}
	case EventSystemMessage:
		frame = messageFrame{Type: TypeMessage, Room: ev.Room, Username: SystemUsername, Message: ev.Message}
	case EventUsersUpdate:
		users := ev.Users
		if users == nil {
			users = []string{}
		}
		frame = usersFrame{Type: TypeUsersUpdate, Room: ev.Room, Users: users, Count: len(users)}
	case EventTyping:
		frame = typingFrame{Type: TypeTyping, Room: ev.Room, Username: ev.Username, IsTyping: ev.IsTyping}
	default:
		return nil, fmt.Errorf("render event: unknown kind %q", ev.Kind)
	}
	return json.Marshal(frame)
}

// HistoryFrame renders one backlog message sent on join.
func HistoryFrame(room, username, body string) ([]byte, error) {
	return json.Marshal(messageFrame{Type: TypeMessage, Room: room, Username: username, Message: body, History: true})
}

// ErrorFrame renders an error notice for the connection's own client.
func ErrorFrame(room, message string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: TypeError, Room: room, Message: message})
}

// Frame is the union of every outbound field. Clients and tests decode into
// it; the server never encodes it.
type Frame struct {
	Type     string   `json:"type"`
	Room     string   `json:"room"`
	Username string   `json:"username,omitempty"`
	Message  string   `json:"message,omitempty"`
	History  bool     `json:"history,omitempty"`
	Users    []string `json:"users,omitempty"`
	Count    int      `json:"count,omitempty"`
	IsTyping bool     `json:"is_typing,omitempty"`
}
