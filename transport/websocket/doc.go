// Package websocket provides the WebSocket transport for the chat relay.
//
// The websocket package implements:
//   - Connection upgrade with an optional Origin allow list
//   - One read goroutine and one write goroutine per connection
//   - A bounded outbound queue per connection
//   - Ping/pong keepalive
//
// Architecture:
//
// Each connection is a Client that the session manager knows as a Peer. The
// read pump hands every text frame to session.Manager.HandleFrame, one at a
// time, and unwinds the session with Manager.Disconnect when the connection
// ends. The write pump drains the Client's queue. A client that lets its
// queue fill up is disconnected; other clients are not affected.
//
// Message Protocol:
//
// Every WebSocket text message carries exactly one JSON frame. See package
// protocol for the frame shapes.
//
// Usage:
//
//	handler := websocket.NewHandler(manager,
//		websocket.WithAllowedOrigins(cfg.AllowedOrigins),
//		websocket.WithSendBuffer(cfg.SendBuffer))
//	router.Handle("/ws/chat/", handler)
package websocket
