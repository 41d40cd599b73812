package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wricardo/chat-relay/chat/service"
)

// maxBodyBytes bounds a posted message request.
const maxBodyBytes = 64 * 1024

// Server represents the REST API server
type Server struct {
	service service.ChatService
	ws      http.Handler
	router  *mux.Router
	logger  *slog.Logger
}

// NewServer creates a new API server. ws serves the websocket routes.
func NewServer(chatService service.ChatService, ws http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: chatService,
		ws:      ws,
		router:  mux.NewRouter(),
		logger:  logger.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Rooms
	api.HandleFunc("/rooms", s.handleListRooms).Methods("GET")
	api.HandleFunc("/rooms/{room}", s.handleGetRoom).Methods("GET")
	api.HandleFunc("/rooms/{room}/users", s.handleRoomUsers).Methods("GET")

	// Messages
	api.HandleFunc("/rooms/{room}/messages", s.handleHistory).Methods("GET")
	api.HandleFunc("/rooms/{room}/messages", s.handlePostMessage).Methods("POST")

	// WebSocket. The room path is only an alias; rooms are joined with frames.
	s.router.Handle("/ws", s.ws)
	s.router.Handle("/ws/chat/", s.ws)
	s.router.Handle("/ws/room/{room}/", s.ws)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// Room Handlers

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.service.ListRooms(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.service.GetRoom(r.Context(), mux.Vars(r)["room"])
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleRoomUsers(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	users, err := s.service.RoomUsers(r.Context(), room)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"room":  room,
		"users": users,
		"count": len(users),
	})
}

// Message Handlers

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := s.service.History(r.Context(), mux.Vars(r)["room"], limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Message  string `json:"message"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.service.PostMessage(r.Context(), mux.Vars(r)["room"], req.Username, req.Message)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, msg)
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.logger.Warn("health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
