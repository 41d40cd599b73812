// Package protocol defines the JSON frames exchanged with chat clients and the
// events published between sessions through the broker.
//
// Inbound frames:
//
//	{"type": "join",       "room": "lobby", "username": "alice"}
//	{"type": "leave_room", "room": "lobby"}
//	{"type": "message",    "room": "lobby", "message": "hi"}
//	{"type": "typing",     "room": "lobby", "is_typing": true}
//
// A frame without a type is treated as a message. Frames with an unknown type
// are rejected with ErrUnknownType; frames missing a required field are
// rejected with ErrMalformed. Callers drop both without closing the
// connection.
//
// Outbound frames:
//
//	{"type": "message",      "room": "lobby", "username": "alice", "message": "hi"}
//	{"type": "message",      "room": "lobby", "username": "alice", "message": "hi", "history": true}
//	{"type": "users_update", "room": "lobby", "users": ["alice", "bob"], "count": 2}
//	{"type": "typing",       "room": "lobby", "username": "bob", "is_typing": true}
//	{"type": "error",        "room": "lobby", "message": "message could not be saved"}
//
// System notices are plain message frames authored by "System".
package protocol
