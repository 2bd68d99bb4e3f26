package bridge

import (
	"errors"
	"time"

	"github.com/forumhub/forum/pkg/protocol"
)

// PublishRoomMessage mirrors a chat message to the room's messages topic.
func (b *Bridge) PublishRoomMessage(msg protocol.ChatMessage) bool {
	return b.publishEnvelope(protocol.RoomTopic(msg.RoomCode, protocol.TopicRoomMessages),
		protocol.BrokerChatMessage, protocol.BrokerMessageFrom(msg))
}

// PublishUserEvent mirrors a join or leave to the room's users topic. typ is
// protocol.BrokerUserJoined or protocol.BrokerUserLeft.
func (b *Bridge) PublishUserEvent(roomCode, typ, username, userID string) bool {
	return b.publishEnvelope(protocol.RoomTopic(roomCode, protocol.TopicRoomUsers), typ,
		protocol.BrokerUserEvent{RoomID: roomCode, UserID: userID, Username: username, Timestamp: time.Now().UTC()})
}

// PublishRoomEvent publishes a lifecycle event to the room's events topic.
func (b *Bridge) PublishRoomEvent(roomCode, typ string, data any) bool {
	return b.publishEnvelope(protocol.RoomTopic(roomCode, protocol.TopicRoomEvents), typ, data)
}

// PublishFileUpload announces a shared file on the uploads topic.
func (b *Bridge) PublishFileUpload(msg protocol.ChatMessage) bool {
	return b.publishEnvelope(protocol.TopicFileUploads, protocol.BrokerFileUpload, protocol.BrokerMessageFrom(msg))
}

// PublishAnalytics publishes a usage event.
func (b *Bridge) PublishAnalytics(ev protocol.AnalyticsEvent) bool {
	return b.publishEnvelope(protocol.TopicAnalytics, protocol.BrokerAnalytics, ev)
}

// PublishSystemEvent publishes a system-wide event that every instance
// relays to all of its connections.
func (b *Bridge) PublishSystemEvent(event string, data any) bool {
	return b.publishEnvelope(protocol.TopicSystemEvents, event, data)
}

// handleInbound delivers a broker message to local sessions. It never
// republishes, and envelopes stamped with our own origin are skipped since
// local delivery already happened.
func (b *Bridge) handleInbound(topic string, payload []byte) {
	t, ok := protocol.ParseTopic(topic)
	if !ok {
		b.logger.Debug("ignoring message on unknown topic", "topic", topic)
		return
	}
	env, err := protocol.DecodeBrokerEnvelope(payload)
	if err != nil {
		b.logger.Warn("malformed broker message", "topic", topic, "error", err)
		return
	}
	if env.Origin != "" && env.Origin == b.Origin() {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if err := b.deliver(t, env); err != nil {
		b.logger.Warn("dropping broker message", "topic", topic, "type", env.Type, "error", err)
	}
}

func (b *Bridge) deliver(t protocol.Topic, env protocol.BrokerEnvelope) error {
	switch t.Kind {
	case protocol.TopicRoomMessages:
		var m protocol.BrokerMessage
		if err := env.DecodeData(&m); err != nil {
			return err
		}
		msg := m.ChatMessage()
		msg.RoomCode = t.RoomCode
		if msg.Timestamp.IsZero() {
			msg.Timestamp = env.Timestamp
		}
		n := b.fanout.Broadcast(t.RoomCode, protocol.NewMessage{ChatMessage: msg}, "")
		b.logger.Debug("relayed broker message", "room", t.RoomCode, "recipients", n)

	case protocol.TopicRoomUsers:
		var u protocol.BrokerUserEvent
		if err := env.DecodeData(&u); err != nil {
			return err
		}
		ts := u.Timestamp
		if ts.IsZero() {
			ts = env.Timestamp
		}
		switch env.Type {
		case protocol.BrokerUserJoined:
			b.fanout.Broadcast(t.RoomCode, protocol.UserJoined{RoomCode: t.RoomCode, Username: u.Username, UserID: u.UserID, Timestamp: ts}, "")
		case protocol.BrokerUserLeft:
			b.fanout.Broadcast(t.RoomCode, protocol.UserLeft{RoomCode: t.RoomCode, Username: u.Username, UserID: u.UserID, Timestamp: ts}, "")
		default:
			return errors.New("unknown user event type")
		}

	case protocol.TopicRoomEvents:
		if env.Type == protocol.BrokerRoomClosed {
			var ev protocol.BrokerRoomEvent
			if len(env.Data) > 0 {
				if err := env.DecodeData(&ev); err != nil {
					return err
				}
			}
			msg := ev.Reason
			if msg == "" {
				msg = "The room has been closed by its owner"
			}
			n := b.fanout.CloseRoom(t.RoomCode, protocol.RoomClosed{
				RoomCode:  t.RoomCode,
				ClosedBy:  ev.ClosedBy,
				Message:   msg,
				Timestamp: env.Timestamp,
			})
			b.logger.Info("room closed by remote instance", "room", t.RoomCode, "sessions", n)
			return nil
		}
		b.fanout.Broadcast(t.RoomCode, protocol.SystemEvent{Event: env.Type, Data: env.Data, Timestamp: env.Timestamp}, "")

	case protocol.TopicSystem:
		b.fanout.BroadcastAll(protocol.SystemEvent{Event: env.Type, Data: env.Data, Timestamp: env.Timestamp})

	case protocol.TopicFiles, protocol.TopicAnalyticsKind:
		b.logger.Debug("broker event", "kind", t.Kind.String(), "type", env.Type)
	}
	return nil
}
