// Package service exposes chat rooms, rosters and history to the HTTP API
// and the MCP tools, and lets them post messages into a room.
//
// Posted messages go through the same path as messages sent over a
// websocket: they are persisted first and then published to the room group,
// so connected clients see them live.
//
// Usage:
//
//	svc := service.NewChatService(hub, registry, messages, manager, logger)
//
//	rooms, err := svc.ListRooms(ctx)
//	history, err := svc.History(ctx, "lobby", 50)
//	msg, err := svc.PostMessage(ctx, "lobby", "bot", "hello")
package service
