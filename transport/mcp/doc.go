// Package mcp provides a Model Context Protocol interface to the chat relay.
//
// The mcp package implements:
//   - MCP server for AI agent integration
//   - Tool definitions for reading rooms and posting messages
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//
// The package exposes the following tools for AI agents:
//   - list_rooms: Rooms with their live rosters
//   - room_users: Sorted roster of one room
//   - room_history: Recent messages, oldest first
//   - post_message: Post to a room as a given name
//
// Every tool is a thin proxy over the REST API, so an agent sees the same
// rooms as websocket clients and its posts are broadcast to them.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080")
//
//	// Stdio mode
//	server.ServeStdio(client.GetMCPServer())
//
//	// HTTP mode
//	mux.Handle("/mcp", client)
package mcp
