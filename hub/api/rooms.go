package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/router"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

const roomCodeAttempts = 5

// newRoomCode returns eight upper-case hex characters.
func newRoomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		RoomName string `json:"roomName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RoomName = strings.TrimSpace(req.RoomName)
	if req.RoomName == "" || len(req.RoomName) > 100 {
		writeError(w, http.StatusBadRequest, "roomName must be 1-100 characters")
		return
	}

	room := &store.Room{
		Name:          req.RoomName,
		CreatedBy:     identity.Username,
		OwnerUsername: identity.Username,
		IsPermanent:   true,
	}
	var err error
	for range roomCodeAttempts {
		room.Code = newRoomCode()
		if err = s.store.CreateRoom(r.Context(), room); err == nil {
			break
		}
	}
	if err != nil {
		s.logger.Error("create room failed", "owner", identity.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	if err := s.store.AddRoomParticipant(r.Context(), room.Code, identity.Username, true); err != nil {
		s.logger.Warn("add owner as participant failed", "room", room.Code, "error", err)
	}

	s.logger.Info("room created", "room", room.Code, "owner", identity.Username)
	writeJSON(w, http.StatusCreated, map[string]any{
		"roomCode": room.Code,
		"roomName": room.Name,
		"room":     room,
	})
}

// activeRoom loads the room in the URL and writes a 404 when it is missing.
func (s *Server) activeRoom(w http.ResponseWriter, r *http.Request) (*store.Room, bool) {
	code := chi.URLParam(r, "code")
	room, err := s.store.GetRoomByCode(r.Context(), code)
	if err != nil {
		s.logger.Error("get room failed", "room", code, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load room")
		return nil, false
	}
	if room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	return room, true
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.activeRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (s *Server) handleGetRoomMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := s.activeRoom(w, r)
	if !ok {
		return
	}

	limit := s.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	messages, err := s.store.GetRoomMessages(r.Context(), room.Code, limit)
	if err != nil {
		s.logger.Error("get messages failed", "room", room.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": lo.Map(messages, func(m store.Message, _ int) protocol.ChatMessage {
			return router.ChatMessageFrom(m)
		}),
	})
}

// handleGetRoomUsers lists users with a live connection in the room, one
// entry per username.
func (s *Server) handleGetRoomUsers(w http.ResponseWriter, r *http.Request) {
	room, ok := s.activeRoom(w, r)
	if !ok {
		return
	}

	type onlineUser struct {
		Username string `json:"username"`
		UserID   string `json:"userId,omitempty"`
		IsOnline bool   `json:"isOnline"`
		RoomCode string `json:"roomCode"`
	}
	live := lo.UniqBy(s.registry.ListRoom(room.Code), func(m registry.Member) string { return m.Username })
	writeJSON(w, http.StatusOK, map[string]any{
		"users": lo.Map(live, func(m registry.Member, _ int) onlineUser {
			return onlineUser{Username: m.Username, UserID: m.UserID, IsOnline: true, RoomCode: room.Code}
		}),
	})
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	code := chi.URLParam(r, "code")

	if err := s.rooms.CloseRoom(r.Context(), code, identity.Username); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	code := chi.URLParam(r, "code")

	if err := s.rooms.LeaveRoom(r.Context(), code, identity.Username); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleListMyRooms(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	rooms, err := s.store.ListUserRooms(r.Context(), identity.Username)
	if err != nil {
		s.logger.Error("list rooms failed", "username", identity.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []store.UserRoom{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}
