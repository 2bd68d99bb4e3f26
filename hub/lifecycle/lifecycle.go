// Package lifecycle implements room close and leave, and the cleanup that
// runs whenever a session stops being a member of its room.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forumhub/forum/hub/presence"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

// ClosedMessage is the text sent to sessions of a room that was closed.
const ClosedMessage = "The room has been closed by its owner"

// Publisher mirrors lifecycle events to other hub instances. Every method is
// best-effort.
type Publisher interface {
	PublishUserEvent(roomCode, typ, username, userID string) bool
	PublishRoomEvent(roomCode, typ string, data any) bool
	PublishAnalytics(ev protocol.AnalyticsEvent) bool
}

// Manager closes rooms and removes members from them.
type Manager struct {
	store     store.Store
	registry  *registry.Registry
	presence  *presence.Tracker
	publisher Publisher
	logger    *slog.Logger
}

// New creates a Manager.
func New(s store.Store, reg *registry.Registry, p *presence.Tracker, pub Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		registry:  reg,
		presence:  p,
		publisher: pub,
		logger:    logger.With("component", "lifecycle"),
	}
}

// CloseRoom closes a room on behalf of requester, who must be its owner.
// Every live session in the room receives room_closed and is disconnected,
// then the room is deactivated. Closing a room that is already gone
// succeeds.
func (m *Manager) CloseRoom(ctx context.Context, roomCode, requester string) error {
	room, err := m.store.GetRoomByCode(ctx, roomCode)
	if err != nil {
		return fmt.Errorf("%w: get room: %v", protocol.ErrPersistence, err)
	}
	if room == nil {
		m.logger.Debug("close of inactive room", "room", roomCode, "requester", requester)
		return nil
	}
	if room.Owner() != requester {
		return fmt.Errorf("%w: only the owner can close room %s", protocol.ErrUnauthorized, roomCode)
	}

	closed := m.registry.CloseRoom(roomCode, protocol.RoomClosed{
		RoomCode:  roomCode,
		ClosedBy:  requester,
		Message:   ClosedMessage,
		Timestamp: time.Now().UTC(),
	})

	n, err := m.store.DeleteRoom(ctx, roomCode, room.Owner())
	if err != nil {
		return fmt.Errorf("%w: deactivate room: %v", protocol.ErrPersistence, err)
	}
	if n == 0 {
		m.logger.Debug("room already inactive", "room", roomCode)
	}

	m.publisher.PublishRoomEvent(roomCode, protocol.BrokerRoomClosed, protocol.BrokerRoomEvent{
		RoomID:   roomCode,
		ClosedBy: requester,
		Reason:   ClosedMessage,
	})
	m.logger.Info("room closed", "room", roomCode, "owner", requester, "sessions", closed)
	return nil
}

// LeaveRoom removes username's membership of a room and departs all of the
// user's live sessions in it. Owners cannot leave their own room.
func (m *Manager) LeaveRoom(ctx context.Context, roomCode, username string) error {
	room, err := m.store.GetRoomByCode(ctx, roomCode)
	if err != nil {
		return fmt.Errorf("%w: get room: %v", protocol.ErrPersistence, err)
	}
	if room == nil {
		return fmt.Errorf("%w: %s", protocol.ErrRoomNotFound, roomCode)
	}
	if room.Owner() == username {
		return fmt.Errorf("%w: the owner must close room %s instead of leaving", protocol.ErrUnauthorized, roomCode)
	}

	if _, err := m.store.RemoveUserFromRoom(ctx, roomCode, username); err != nil {
		return fmt.Errorf("%w: remove participant: %v", protocol.ErrPersistence, err)
	}
	for _, s := range m.registry.UserSessions(roomCode, username) {
		m.Depart(ctx, s)
	}
	m.logger.Info("user left room", "room", roomCode, "username", username)
	return nil
}

// Depart unbinds sess from its room after a leave or a disconnect, marks the
// user offline once no other session of theirs remains, tells the room and
// refreshes presence. It reports false when sess was not in a room.
func (m *Manager) Depart(ctx context.Context, sess *registry.Session) bool {
	member, ok := m.registry.Unregister(sess.ID())
	if !ok {
		return false
	}

	if !m.registry.HasUser(member.RoomCode, member.Username) {
		if err := m.store.UpdateUserStatus(ctx, member.RoomCode, member.Username, false); err != nil {
			m.logger.Warn("mark user offline failed", "room", member.RoomCode, "username", member.Username, "error", err)
		}
	}

	m.registry.Broadcast(member.RoomCode, protocol.UserLeft{
		RoomCode:  member.RoomCode,
		Username:  member.Username,
		UserID:    member.UserID,
		Timestamp: time.Now().UTC(),
	}, "")
	m.presence.OnMembershipChange(ctx, member.RoomCode)

	m.publisher.PublishUserEvent(member.RoomCode, protocol.BrokerUserLeft, member.Username, member.UserID)
	m.publisher.PublishAnalytics(protocol.AnalyticsEvent{
		Event:    protocol.AnalyticsUserLeft,
		RoomID:   member.RoomCode,
		UserID:   member.UserID,
		Username: member.Username,
	})

	m.logger.Debug("session departed", "room", member.RoomCode, "session_id", member.SessionID, "username", member.Username)
	return true
}
