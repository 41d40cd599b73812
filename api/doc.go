// Package api provides the HTTP routes of the chat relay.
//
// The api package implements:
//   - Room listing with live rosters
//   - Room history and message posting
//   - WebSocket upgrade routes
//   - A health endpoint
//
// Endpoints:
//
// Rooms:
//   - GET /api/rooms - List rooms that have people in them or a history
//   - GET /api/rooms/{room} - Get one room (404 when it has neither)
//   - GET /api/rooms/{room}/users - Get the sorted roster of a room
//
// Messages:
//   - GET /api/rooms/{room}/messages?limit=50 - Recent messages, oldest first (max 200)
//   - POST /api/rooms/{room}/messages - Post a message
//
// WebSocket:
//   - GET /ws/chat/ - Chat connection
//   - GET /ws/room/{room}/ - Same connection; the room in the path is not joined automatically
//   - GET /ws - Short alias
//
// Health:
//   - GET /healthz - Status, live connections and active rooms
//
// Request/Response Format:
//
// All endpoints accept and return JSON. A posted message looks like:
//
//	{
//	  "username": "alice",
//	  "message": "hello from the API"
//	}
//
// It is saved and then broadcast to everyone connected to the room, exactly
// like a message sent over a websocket. An empty username posts as
// "Anonymous".
//
// Errors are returned as {"error": "..."} with a 400, 404 or 500 status.
package api
