package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

func (r *Router) sendError(sess *registry.Session, err error, roomCode string) {
	if !sess.Send(protocol.NewError(err, roomCode)) {
		r.logger.Debug("error reply dropped", "session_id", sess.ID(), "error", err)
	}
}

func (r *Router) handleJoin(ctx context.Context, sess *registry.Session, m protocol.Join) {
	room, err := r.store.GetRoomByCode(ctx, m.RoomCode)
	if err != nil {
		r.logger.Error("get room failed", "room", m.RoomCode, "error", err)
		r.sendError(sess, fmt.Errorf("%w: %v", protocol.ErrPersistence, err), m.RoomCode)
		return
	}
	if room == nil {
		r.sendError(sess, fmt.Errorf("%w: %s", protocol.ErrRoomNotFound, m.RoomCode), m.RoomCode)
		return
	}

	// A connection is in at most one room; joining another leaves the first.
	if sess.RoomCode() != "" {
		r.lifecycle.Depart(ctx, sess)
	}

	userID := m.UserID
	if userID == "" {
		userID = uuid.New().String()
	}
	// The room may have been closed since the lookup above.
	if _, _, err := r.registry.Register(sess, room.Code, m.Username, userID); err != nil {
		r.sendError(sess, err, m.RoomCode)
		return
	}

	if err := r.store.AddRoomParticipant(ctx, room.Code, m.Username, room.Owner() == m.Username); err != nil {
		r.logger.Warn("record participant failed", "room", room.Code, "username", m.Username, "error", err)
	}
	if err := r.store.UpdateUserStatus(ctx, room.Code, m.Username, true); err != nil {
		r.logger.Warn("mark user online failed", "room", room.Code, "username", m.Username, "error", err)
	}

	now := time.Now().UTC()
	sess.Send(protocol.JoinedRoom{
		RoomCode:  room.Code,
		RoomName:  room.Name,
		SessionID: sess.ID(),
		Timestamp: now,
	})

	history, err := r.store.GetRoomMessages(ctx, room.Code, r.historyLimit)
	if err != nil {
		r.logger.Warn("load history failed", "room", room.Code, "error", err)
	}
	sess.Send(protocol.MessageHistory{
		RoomCode:  room.Code,
		Messages:  lo.Map(history, func(msg store.Message, _ int) protocol.ChatMessage { return ChatMessageFrom(msg) }),
		Timestamp: now,
	})

	r.registry.Broadcast(room.Code, protocol.UserJoined{
		RoomCode:  room.Code,
		Username:  m.Username,
		UserID:    userID,
		Timestamp: now,
	}, sess.ID())

	r.publisher.PublishUserEvent(room.Code, protocol.BrokerUserJoined, m.Username, userID)
	r.publisher.PublishAnalytics(protocol.AnalyticsEvent{
		Event:    protocol.AnalyticsUserJoined,
		RoomID:   room.Code,
		UserID:   userID,
		Username: m.Username,
	})

	r.presence.OnMembershipChange(ctx, room.Code)
	r.logger.Info("user joined room", "room", room.Code, "username", m.Username, "session_id", sess.ID())
}

// handleSend broadcasts a chat message to the room, the sender included.
// Text is persisted first; a store failure is reported to the sender only
// and the broadcast still happens. Attachments were stored at upload time,
// so only their metadata is relayed.
func (r *Router) handleSend(ctx context.Context, sess *registry.Session, m protocol.Send) {
	member := sess.Member()
	if member.RoomCode == "" {
		r.sendError(sess, protocol.ErrNotJoined, m.RoomCode)
		return
	}
	if m.Empty() {
		r.logger.Debug("ignoring empty message", "room", member.RoomCode, "session_id", sess.ID())
		return
	}

	msg := protocol.ChatMessage{
		ID:          uuid.New().String(),
		RoomCode:    member.RoomCode,
		Username:    member.Username,
		UserID:      member.UserID,
		Message:     m.Message,
		MessageType: m.ContentType(),
		FilePath:    m.FilePath,
		FileName:    m.FileName,
		FileSize:    m.FileSize,
		Duration:    m.Duration,
		Timestamp:   time.Now().UTC(),
	}
	if msg.MessageType == protocol.MessageText {
		stored := &store.Message{
			ID:          msg.ID,
			RoomCode:    msg.RoomCode,
			Username:    msg.Username,
			UserID:      msg.UserID,
			MessageType: msg.MessageType,
			Content:     msg.Message,
			SentAt:      msg.Timestamp,
		}
		if err := r.store.SaveMessage(ctx, stored); err != nil {
			r.logger.Error("save message failed", "room", msg.RoomCode, "username", msg.Username, "error", err)
			r.sendError(sess, fmt.Errorf("%w: message not saved", protocol.ErrPersistence), msg.RoomCode)
		}
	}

	n := r.registry.Broadcast(msg.RoomCode, protocol.NewMessage{ChatMessage: msg}, "")
	r.logger.Debug("message broadcast", "room", msg.RoomCode, "type", msg.MessageType, "recipients", n)

	r.publisher.PublishRoomMessage(msg)
	ev := protocol.AnalyticsEvent{RoomID: msg.RoomCode, UserID: msg.UserID, Username: msg.Username}
	switch msg.MessageType {
	case protocol.MessageFile:
		r.publisher.PublishFileUpload(msg)
		ev.Event = protocol.AnalyticsFileShared
		ev.FileType = msg.MessageType
		ev.FileSize = msg.FileSize
	case protocol.MessageAudio:
		ev.Event = protocol.AnalyticsAudioSent
		ev.FileSize = msg.FileSize
		ev.Duration = msg.Duration
	default:
		ev.Event = protocol.AnalyticsMessageSent
		ev.MessageLength = len(msg.Message)
	}
	r.publisher.PublishAnalytics(ev)
}

func (r *Router) handleLeave(ctx context.Context, sess *registry.Session, m protocol.Leave) {
	if !r.lifecycle.Depart(ctx, sess) {
		r.sendError(sess, protocol.ErrNotJoined, m.RoomCode)
	}
}

// handleTyping relays a typing indicator to the rest of the room. It is
// never stored or mirrored.
func (r *Router) handleTyping(sess *registry.Session, m protocol.Typing) {
	member := sess.Member()
	if member.RoomCode == "" {
		return
	}
	r.registry.Broadcast(member.RoomCode, protocol.TypingIndicator{
		RoomCode:  member.RoomCode,
		Username:  member.Username,
		UserID:    member.UserID,
		IsTyping:  m.IsTyping,
		Timestamp: time.Now().UTC(),
	}, sess.ID())
}

// ChatMessageFrom converts a stored message to its client form.
func ChatMessageFrom(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:          m.ID,
		RoomCode:    m.RoomCode,
		Username:    m.Username,
		UserID:      m.UserID,
		Message:     m.Content,
		MessageType: m.MessageType,
		FilePath:    m.FilePath,
		FileName:    m.FileName,
		FileSize:    m.FileSize,
		Timestamp:   m.SentAt,
	}
}
