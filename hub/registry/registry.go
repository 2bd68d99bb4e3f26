// Package registry tracks live client sessions and the rooms they are bound
// to, and fans encoded messages out to them.
//
// Every mutation and every broadcast runs under one mutex, so a message is
// never queued to a session that is halfway through being unregistered.
// Queuing is non-blocking; see Session.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forumhub/forum/pkg/protocol"
)

// Member describes a session's binding to a room.
type Member struct {
	SessionID string    `json:"sessionId"`
	RoomCode  string    `json:"roomCode"`
	Username  string    `json:"username"`
	UserID    string    `json:"userId,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	TotalRooms       int            `json:"totalRooms"`
	RoomsDetail      map[string]int `json:"roomsDetail"`
}

// Registry is the in-memory set of live sessions.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session            // session id -> session, joined or not
	rooms    map[string]map[string]*Session // room code -> session id -> session
	closed   map[string]bool                // rooms closed by CloseRoom; never rejoinable
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		closed:   make(map[string]bool),
	}
}

// Attach records a freshly connected session that has not joined a room yet.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Detach forgets a session whose socket went away. If it was bound to a room
// the binding is removed and returned.
func (r *Registry) Detach(id string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return r.unregisterLocked(id)
}

// Register binds s to roomCode, moving it out of any previous room. It
// returns the previous binding when there was one. A room that was closed
// cannot be joined again; that fails with protocol.ErrRoomNotFound and
// leaves s where it was.
func (r *Registry) Register(s *Session, roomCode, username, userID string) (Member, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed[roomCode] {
		return Member{}, false, fmt.Errorf("%w: %s is closed", protocol.ErrRoomNotFound, roomCode)
	}

	prev, moved := r.unregisterLocked(s.ID())

	r.sessions[s.ID()] = s
	room := r.rooms[roomCode]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[roomCode] = room
	}
	room[s.ID()] = s
	s.bind(roomCode, username, userID)

	r.logger.Debug("session registered", "room", roomCode, "session_id", s.ID(), "username", username)
	return prev, moved, nil
}

// Unregister removes a session from its room. The socket stays open.
func (r *Registry) Unregister(id string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) (Member, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Member{}, false
	}
	code := s.RoomCode()
	if code == "" {
		return Member{}, false
	}

	if room := r.rooms[code]; room != nil {
		delete(room, id)
		if len(room) == 0 {
			delete(r.rooms, code)
		}
	}
	return s.unbind(), true
}

// Session looks up a session by id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Broadcast sends msg to every open session in the room except excludeID and
// returns how many sessions accepted it.
func (r *Registry) Broadcast(roomCode string, msg protocol.Outbound, excludeID string) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encode broadcast", "room", roomCode, "type", msg.OutboundType(), "error", err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for id, s := range r.rooms[roomCode] {
		if id == excludeID {
			continue
		}
		if s.trySend(data) {
			delivered++
		} else if !s.Closed() {
			r.logger.Warn("send queue full, dropping message", "room", roomCode, "session_id", id, "type", msg.OutboundType())
		}
	}
	return delivered
}

// BroadcastAll sends msg to every attached session, joined or not.
func (r *Registry) BroadcastAll(msg protocol.Outbound) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encode broadcast", "type", msg.OutboundType(), "error", err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, s := range r.sessions {
		if s.trySend(data) {
			delivered++
		}
	}
	return delivered
}

// ListRoom returns the room's members ordered by join time.
func (r *Registry) ListRoom(roomCode string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]Member, 0, len(r.rooms[roomCode]))
	for _, s := range r.rooms[roomCode] {
		members = append(members, s.Member())
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].SessionID < members[j].SessionID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

// HasUser reports whether any session in the room belongs to username.
func (r *Registry) HasUser(roomCode, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rooms[roomCode] {
		if s.Username() == username {
			return true
		}
	}
	return false
}

// UserSessions returns the sessions of username in the room.
func (r *Registry) UserSessions(roomCode, username string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.rooms[roomCode] {
		if s.Username() == username {
			out = append(out, s)
		}
	}
	return out
}

// CloseRoom queues final to every session in the room, removes the room and
// closes the sessions' sockets. Later Register calls for the room fail. It
// returns how many sessions were closed.
func (r *Registry) CloseRoom(roomCode string, final protocol.Outbound) int {
	data, err := protocol.Encode(final)
	if err != nil {
		r.logger.Error("encode room close", "room", roomCode, "error", err)
		data = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed[roomCode] = true
	room := r.rooms[roomCode]
	delete(r.rooms, roomCode)
	for id, s := range room {
		if data != nil {
			s.trySend(data)
		}
		s.unbind()
		delete(r.sessions, id)
		s.Close(websocket.CloseNormalClosure, "room closed")
	}
	if len(room) > 0 {
		r.logger.Info("room closed", "room", roomCode, "sessions", len(room))
	}
	return len(room)
}

// CloseAll queues final (if non-nil) to every session and closes them all.
func (r *Registry) CloseAll(final protocol.Outbound) int {
	var data []byte
	if final != nil {
		if encoded, err := protocol.Encode(final); err == nil {
			data = encoded
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.sessions)
	for id, s := range r.sessions {
		if data != nil {
			s.trySend(data)
		}
		s.Close(websocket.CloseGoingAway, "server shutting down")
		delete(r.sessions, id)
	}
	r.rooms = make(map[string]map[string]*Session)
	return n
}

// Stats returns connection and room counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	detail := make(map[string]int, len(r.rooms))
	for code, room := range r.rooms {
		detail[code] = len(room)
	}
	return Stats{
		TotalConnections: len(r.sessions),
		TotalRooms:       len(r.rooms),
		RoomsDetail:      detail,
	}
}
