package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/chat-relay/chat/service"
)

// maxRequestBytes bounds one JSON-RPC message posted to /mcp.
const maxRequestBytes = 1 << 20

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Chat Relay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Chat Relay - MCP Interface

This is a thin client that proxies all requests to the REST API server.
People chat in named rooms over websockets; these tools let you look at
the rooms and take part in them.

AVAILABLE TOOLS:
- list_rooms: Rooms with the people currently in them
- room_users: Sorted list of people in one room
- room_history: Recent messages of a room, oldest first
- post_message: Post a message to a room; everyone connected sees it

Rooms are created by using them. Messages you post are saved with the
room history like any other chat message.`),
	)

	// Register all tools
	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_rooms",
		Description: "List rooms that have people in them or a message history",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListRooms)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "room_users",
		Description: "Get the people currently connected to a room",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room": map[string]interface{}{
					"type":        "string",
					"description": "Room name",
				},
			},
			Required: []string{"room"},
		},
	}, c.handleRoomUsers)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "room_history",
		Description: "Get the most recent messages of a room, oldest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room": map[string]interface{}{
					"type":        "string",
					"description": "Room name",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": fmt.Sprintf("Number of messages (default %d, max %d)", service.DefaultHistoryLimit, service.MaxHistoryLimit),
				},
			},
			Required: []string{"room"},
		},
	}, c.handleRoomHistory)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "post_message",
		Description: "Post a message to a room. It is saved and broadcast to everyone in the room",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room": map[string]interface{}{
					"type":        "string",
					"description": "Room name",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "Message text (up to 2000 characters)",
				},
				"username": map[string]interface{}{
					"type":        "string",
					"description": "Name to post as (optional, defaults to Anonymous)",
				},
			},
			Required: []string{"room", "message"},
		},
	}, c.handlePostMessage)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// ServeHTTP answers one JSON-RPC message per POST request.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	response := c.mcpServer.HandleMessage(r.Context(), body)
	if response == nil {
		// notifications have no reply
		w.WriteHeader(http.StatusAccepted)
		return
	}

	responseBytes, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(responseBytes)
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func roomPath(room string, suffix string) string {
	return "/api/rooms/" + url.PathEscape(room) + suffix
}

// Tool handlers

func (c *Client) handleListRooms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count int                `json:"count"`
		Rooms []service.RoomInfo `json:"rooms"`
	}

	err := c.apiCall(ctx, "GET", "/api/rooms", nil, &response)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatRooms(response.Rooms)), nil
}

func (c *Client) handleRoomUsers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room := strings.TrimSpace(request.GetString("room", ""))
	if room == "" {
		return mcp.NewToolResultError("room is required"), nil
	}

	var response struct {
		Room  string   `json:"room"`
		Users []string `json:"users"`
		Count int      `json:"count"`
	}
	err := c.apiCall(ctx, "GET", roomPath(room, "/users"), nil, &response)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if response.Count == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Nobody is in %s right now.", room)), nil
	}
	result := fmt.Sprintf("People in %s (%d):\n", room, response.Count)
	for _, u := range response.Users {
		result += fmt.Sprintf("- %s\n", u)
	}
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleRoomHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room := strings.TrimSpace(request.GetString("room", ""))
	if room == "" {
		return mcp.NewToolResultError("room is required"), nil
	}

	path := roomPath(room, "/messages")
	if limit := request.GetInt("limit", 0); limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var history service.HistoryResponse
	err := c.apiCall(ctx, "GET", path, nil, &history)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatHistory(&history)), nil
}

func (c *Client) handlePostMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room := strings.TrimSpace(request.GetString("room", ""))
	message := request.GetString("message", "")
	if room == "" || strings.TrimSpace(message) == "" {
		return mcp.NewToolResultError("room and message are required"), nil
	}

	body := map[string]string{
		"username": request.GetString("username", ""),
		"message":  message,
	}

	var posted service.MessageInfo
	err := c.apiCall(ctx, "POST", roomPath(room, "/messages"), body, &posted)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Posted to %s as %s (#%d at %s)", posted.Room, posted.Username, posted.Seq, posted.CreatedAt.Format("15:04:05"))
	return mcp.NewToolResultText(result), nil
}

// Formatting helpers

func formatRooms(rooms []service.RoomInfo) string {
	if len(rooms) == 0 {
		return "No rooms yet. Post a message to create one."
	}

	result := fmt.Sprintf("Rooms (%d):\n\n", len(rooms))
	for _, r := range rooms {
		if r.Count == 0 {
			result += fmt.Sprintf("- %s (empty)\n", r.Name)
			continue
		}
		result += fmt.Sprintf("- %s (%d online: %s)\n", r.Name, r.Count, strings.Join(r.Users, ", "))
	}
	return result
}

func formatHistory(history *service.HistoryResponse) string {
	if len(history.Messages) == 0 {
		return fmt.Sprintf("No messages in %s yet.", history.Room)
	}

	result := fmt.Sprintf("Last %d messages in %s:\n\n", len(history.Messages), history.Room)
	for _, m := range history.Messages {
		result += fmt.Sprintf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Username, m.Message)
	}
	return result
}
