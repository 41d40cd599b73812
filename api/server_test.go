package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wricardo/chat-relay/chat/service"
)

// MockChatService implements service.ChatService for testing
type MockChatService struct {
	// Rooms
	ListRoomsFunc func(ctx context.Context) ([]*service.RoomInfo, error)
	GetRoomFunc   func(ctx context.Context, room string) (*service.RoomInfo, error)
	RoomUsersFunc func(ctx context.Context, room string) ([]string, error)

	// Messages
	HistoryFunc     func(ctx context.Context, room string, limit int) (*service.HistoryResponse, error)
	PostMessageFunc func(ctx context.Context, room, username, message string) (*service.MessageInfo, error)

	// Health
	StatsFunc func(ctx context.Context) (*service.Stats, error)
}

// Rooms
func (m *MockChatService) ListRooms(ctx context.Context) ([]*service.RoomInfo, error) {
	if m.ListRoomsFunc != nil {
		return m.ListRoomsFunc(ctx)
	}
	return []*service.RoomInfo{}, nil
}

func (m *MockChatService) GetRoom(ctx context.Context, room string) (*service.RoomInfo, error) {
	if m.GetRoomFunc != nil {
		return m.GetRoomFunc(ctx, room)
	}
	return &service.RoomInfo{Name: room, Users: []string{}}, nil
}

func (m *MockChatService) RoomUsers(ctx context.Context, room string) ([]string, error) {
	if m.RoomUsersFunc != nil {
		return m.RoomUsersFunc(ctx, room)
	}
	return []string{}, nil
}

// Messages
func (m *MockChatService) History(ctx context.Context, room string, limit int) (*service.HistoryResponse, error) {
	if m.HistoryFunc != nil {
		return m.HistoryFunc(ctx, room, limit)
	}
	return &service.HistoryResponse{Room: room, Limit: limit, Messages: []*service.MessageInfo{}}, nil
}

func (m *MockChatService) PostMessage(ctx context.Context, room, username, message string) (*service.MessageInfo, error) {
	if m.PostMessageFunc != nil {
		return m.PostMessageFunc(ctx, room, username, message)
	}
	return &service.MessageInfo{
		Seq:       1,
		Room:      room,
		Username:  username,
		Message:   message,
		CreatedAt: time.Now(),
	}, nil
}

// Health
func (m *MockChatService) Stats(ctx context.Context) (*service.Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return &service.Stats{Status: "ok"}, nil
}

// Helper functions

func setupTestServer(mockService *MockChatService) *Server {
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return NewServer(mockService, ws, nil)
}

func makeRequest(method, path string, body interface{}) *http.Request {
	var bodyBytes []byte
	if body != nil {
		bodyBytes, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewBuffer(bodyBytes))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder, target interface{}) {
	if err := json.Unmarshal(w.Body.Bytes(), target); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
}

type routeTest struct {
	name           string
	method         string
	path           string
	body           interface{}
	setupMock      func(*MockChatService)
	expectedStatus int
	validateResp   func(*testing.T, *httptest.ResponseRecorder)
}

func runRouteTests(t *testing.T, tests []routeTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockChatService{}
			if tt.setupMock != nil {
				tt.setupMock(mockService)
			}

			server := setupTestServer(mockService)
			w := httptest.NewRecorder()
			req := makeRequest(tt.method, tt.path, tt.body)

			server.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}

			if tt.validateResp != nil {
				tt.validateResp(t, w)
			}
		})
	}
}

// Room Tests

func TestListRooms(t *testing.T) {
	runRouteTests(t, []routeTest{
		{
			name:   "List rooms with rosters",
			method: "GET",
			path:   "/api/rooms",
			setupMock: func(m *MockChatService) {
				m.ListRoomsFunc = func(ctx context.Context) ([]*service.RoomInfo, error) {
					return []*service.RoomInfo{
						{Name: "lobby", Users: []string{"alice", "bob"}, Count: 2},
						{Name: "random", Users: []string{}, Count: 0},
					}, nil
				}
			},
			expectedStatus: http.StatusOK,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp struct {
					Rooms []service.RoomInfo `json:"rooms"`
					Count int                `json:"count"`
				}
				parseResponse(t, w, &resp)
				if resp.Count != 2 {
					t.Errorf("Expected 2 rooms, got %d", resp.Count)
				}
				if resp.Rooms[0].Name != "lobby" || resp.Rooms[0].Count != 2 {
					t.Errorf("Unexpected first room: %+v", resp.Rooms[0])
				}
			},
		},
		{
			name:   "No rooms",
			method: "GET",
			path:   "/api/rooms",
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp map[string]interface{}
				parseResponse(t, w, &resp)
				if resp["count"].(float64) != 0 {
					t.Errorf("Expected 0 rooms, got %v", resp["count"])
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "Handle service error",
			method: "GET",
			path:   "/api/rooms",
			setupMock: func(m *MockChatService) {
				m.ListRoomsFunc = func(ctx context.Context) ([]*service.RoomInfo, error) {
					return nil, fmt.Errorf("presence down")
				}
			},
			expectedStatus: http.StatusInternalServerError,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp map[string]string
				parseResponse(t, w, &resp)
				if resp["error"] != "presence down" {
					t.Errorf("Expected error message 'presence down', got %s", resp["error"])
				}
			},
		},
	})
}

func TestGetRoom(t *testing.T) {
	runRouteTests(t, []routeTest{
		{
			name:   "Get existing room",
			method: "GET",
			path:   "/api/rooms/lobby",
			setupMock: func(m *MockChatService) {
				m.GetRoomFunc = func(ctx context.Context, room string) (*service.RoomInfo, error) {
					return &service.RoomInfo{Name: room, Users: []string{"alice"}, Count: 1}, nil
				}
			},
			expectedStatus: http.StatusOK,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp service.RoomInfo
				parseResponse(t, w, &resp)
				if resp.Name != "lobby" {
					t.Errorf("Expected room lobby, got %s", resp.Name)
				}
			},
		},
		{
			name:   "Room name is path decoded",
			method: "GET",
			path:   "/api/rooms/sala%20de%20estar",
			setupMock: func(m *MockChatService) {
				m.GetRoomFunc = func(ctx context.Context, room string) (*service.RoomInfo, error) {
					if room != "sala de estar" {
						t.Errorf("Expected room 'sala de estar', got %q", room)
					}
					return &service.RoomInfo{Name: room, Users: []string{}}, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "Unknown room",
			method: "GET",
			path:   "/api/rooms/nowhere",
			setupMock: func(m *MockChatService) {
				m.GetRoomFunc = func(ctx context.Context, room string) (*service.RoomInfo, error) {
					return nil, fmt.Errorf("%w: %s", service.ErrRoomNotFound, room)
				}
			},
			expectedStatus: http.StatusNotFound,
		},
	})
}

func TestRoomUsers(t *testing.T) {
	runRouteTests(t, []routeTest{
		{
			name:   "Sorted roster",
			method: "GET",
			path:   "/api/rooms/lobby/users",
			setupMock: func(m *MockChatService) {
				m.RoomUsersFunc = func(ctx context.Context, room string) ([]string, error) {
					return []string{"alice", "bob"}, nil
				}
			},
			expectedStatus: http.StatusOK,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp struct {
					Room  string   `json:"room"`
					Users []string `json:"users"`
					Count int      `json:"count"`
				}
				parseResponse(t, w, &resp)
				if resp.Room != "lobby" || resp.Count != 2 || len(resp.Users) != 2 {
					t.Errorf("Unexpected roster: %+v", resp)
				}
			},
		},
		{
			name:   "Empty room has an empty array",
			method: "GET",
			path:   "/api/rooms/empty/users",
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp map[string]interface{}
				parseResponse(t, w, &resp)
				if _, ok := resp["users"].([]interface{}); !ok {
					t.Errorf("Expected users array, got %v", resp["users"])
				}
			},
			expectedStatus: http.StatusOK,
		},
	})
}

// Message Tests

func TestHistory(t *testing.T) {
	runRouteTests(t, []routeTest{
		{
			name:   "Default limit",
			method: "GET",
			path:   "/api/rooms/lobby/messages",
			setupMock: func(m *MockChatService) {
				m.HistoryFunc = func(ctx context.Context, room string, limit int) (*service.HistoryResponse, error) {
					if limit != 0 {
						t.Errorf("Expected limit 0 to select the default, got %d", limit)
					}
					return &service.HistoryResponse{
						Room:  room,
						Limit: service.DefaultHistoryLimit,
						Messages: []*service.MessageInfo{
							{Seq: 1, Room: room, Username: "alice", Message: "hi"},
						},
					}, nil
				}
			},
			expectedStatus: http.StatusOK,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp service.HistoryResponse
				parseResponse(t, w, &resp)
				if len(resp.Messages) != 1 || resp.Messages[0].Message != "hi" {
					t.Errorf("Unexpected history: %+v", resp)
				}
			},
		},
		{
			name:   "Explicit limit",
			method: "GET",
			path:   "/api/rooms/lobby/messages?limit=5",
			setupMock: func(m *MockChatService) {
				m.HistoryFunc = func(ctx context.Context, room string, limit int) (*service.HistoryResponse, error) {
					if limit != 5 {
						t.Errorf("Expected limit 5, got %d", limit)
					}
					return &service.HistoryResponse{Room: room, Limit: limit}, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Non numeric limit",
			method:         "GET",
			path:           "/api/rooms/lobby/messages?limit=lots",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Zero limit",
			method:         "GET",
			path:           "/api/rooms/lobby/messages?limit=0",
			expectedStatus: http.StatusBadRequest,
		},
	})
}

func TestPostMessage(t *testing.T) {
	runRouteTests(t, []routeTest{
		{
			name:   "Post message",
			method: "POST",
			path:   "/api/rooms/lobby/messages",
			body:   map[string]string{"username": "alice", "message": "hello"},
			setupMock: func(m *MockChatService) {
				m.PostMessageFunc = func(ctx context.Context, room, username, message string) (*service.MessageInfo, error) {
					if room != "lobby" || username != "alice" || message != "hello" {
						t.Errorf("Unexpected post: %s %s %s", room, username, message)
					}
					return &service.MessageInfo{Seq: 7, Room: room, Username: username, Message: message}, nil
				}
			},
			expectedStatus: http.StatusCreated,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp service.MessageInfo
				parseResponse(t, w, &resp)
				if resp.Seq != 7 {
					t.Errorf("Expected seq 7, got %d", resp.Seq)
				}
			},
		},
		{
			name:   "Invalid input",
			method: "POST",
			path:   "/api/rooms/lobby/messages",
			body:   map[string]string{"username": "alice", "message": ""},
			setupMock: func(m *MockChatService) {
				m.PostMessageFunc = func(ctx context.Context, room, username, message string) (*service.MessageInfo, error) {
					return nil, fmt.Errorf("%w: message is required", service.ErrInvalidInput)
				}
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Malformed body",
			method:         "POST",
			path:           "/api/rooms/lobby/messages",
			body:           "not an object",
			expectedStatus: http.StatusBadRequest,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp map[string]string
				parseResponse(t, w, &resp)
				if resp["error"] != "invalid request body" {
					t.Errorf("Expected 'invalid request body', got %s", resp["error"])
				}
			},
		},
	})
}

// Other routes

func TestHealth(t *testing.T) {
	runRouteTests(t, []routeTest{
		{
			name:   "Healthy",
			method: "GET",
			path:   "/healthz",
			setupMock: func(m *MockChatService) {
				m.StatsFunc = func(ctx context.Context) (*service.Stats, error) {
					return &service.Stats{Status: "ok", Connections: 3, Rooms: 2}, nil
				}
			},
			expectedStatus: http.StatusOK,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp service.Stats
				parseResponse(t, w, &resp)
				if resp.Connections != 3 || resp.Rooms != 2 {
					t.Errorf("Unexpected stats: %+v", resp)
				}
			},
		},
		{
			name:   "Presence unreachable",
			method: "GET",
			path:   "/healthz",
			setupMock: func(m *MockChatService) {
				m.StatsFunc = func(ctx context.Context) (*service.Stats, error) {
					return nil, fmt.Errorf("redis: connection refused")
				}
			},
			expectedStatus: http.StatusServiceUnavailable,
		},
	})
}

func TestWebSocketRoutes(t *testing.T) {
	server := setupTestServer(&MockChatService{})
	for _, path := range []string{"/ws", "/ws/chat/", "/ws/room/lobby/"} {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, makeRequest("GET", path, nil))
		if w.Code != http.StatusTeapot {
			t.Errorf("%s: expected websocket handler, got status %d", path, w.Code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	server := setupTestServer(&MockChatService{})
	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest("DELETE", "/api/rooms/lobby", nil))
	if w.Code == http.StatusOK {
		t.Errorf("Expected DELETE to be rejected, got %d", w.Code)
	}
}
