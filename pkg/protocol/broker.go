package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Broker topic scheme.
const (
	TopicRoot         = "forum"
	TopicSystemEvents = "forum/system/events"
	TopicFileUploads  = "forum/files/uploads"
	TopicAnalytics    = "forum/analytics"
)

// TopicKind identifies which family a broker topic belongs to.
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicRoomMessages
	TopicRoomUsers
	TopicRoomEvents
	TopicSystem
	TopicFiles
	TopicAnalyticsKind
)

var roomTopicSuffix = map[TopicKind]string{
	TopicRoomMessages: "messages",
	TopicRoomUsers:    "users",
	TopicRoomEvents:   "events",
}

func (k TopicKind) String() string {
	switch k {
	case TopicRoomMessages:
		return "room_messages"
	case TopicRoomUsers:
		return "room_users"
	case TopicRoomEvents:
		return "room_events"
	case TopicSystem:
		return "system"
	case TopicFiles:
		return "files"
	case TopicAnalyticsKind:
		return "analytics"
	default:
		return "unknown"
	}
}

// Topic is a decoded broker topic.
type Topic struct {
	Kind     TopicKind
	RoomCode string
}

// RoomTopic returns the per-room topic of the given kind.
func RoomTopic(roomCode string, kind TopicKind) string {
	return TopicRoot + "/rooms/" + roomCode + "/" + roomTopicSuffix[kind]
}

// SubscriptionTopics lists the wildcard subscriptions a hub instance holds.
func SubscriptionTopics() []string {
	return []string{
		TopicRoot + "/rooms/+/messages",
		TopicRoot + "/rooms/+/users",
		TopicRoot + "/rooms/+/events",
		TopicSystemEvents,
		TopicFileUploads,
		TopicAnalytics,
	}
}

// ParseTopic decodes a concrete broker topic.
func ParseTopic(topic string) (Topic, bool) {
	switch topic {
	case TopicSystemEvents:
		return Topic{Kind: TopicSystem}, true
	case TopicFileUploads:
		return Topic{Kind: TopicFiles}, true
	case TopicAnalytics:
		return Topic{Kind: TopicAnalyticsKind}, true
	}

	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicRoot || parts[1] != "rooms" || parts[2] == "" {
		return Topic{}, false
	}
	for kind, suffix := range roomTopicSuffix {
		if parts[3] == suffix {
			return Topic{Kind: kind, RoomCode: parts[2]}, true
		}
	}
	return Topic{}, false
}

// Broker envelope types.
const (
	BrokerChatMessage = "chat_message"
	BrokerUserJoined  = "user_joined"
	BrokerUserLeft    = "user_left"
	BrokerRoomClosed  = "room_closed"
	BrokerFileUpload  = "file_upload"
	BrokerAnalytics   = "analytics"

	// BrokerInstanceShutdown is published on the system topic by an
	// instance that is stopping.
	BrokerInstanceShutdown = "instance_shutdown"
)

// BrokerEnvelope is the payload published to every broker topic.
type BrokerEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewBrokerEnvelope marshals data into an envelope stamped with now.
func NewBrokerEnvelope(typ, origin string, data any) (BrokerEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return BrokerEnvelope{}, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return BrokerEnvelope{Type: typ, Timestamp: time.Now().UTC(), Origin: origin, Data: raw}, nil
}

// DecodeBrokerEnvelope parses a broker payload.
func DecodeBrokerEnvelope(raw []byte) (BrokerEnvelope, error) {
	var env BrokerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return BrokerEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// DecodeData unmarshals the envelope data into v.
func (e BrokerEnvelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s envelope has no data", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// BrokerMessage is the data of a chat or file message mirrored across instances.
type BrokerMessage struct {
	ID          string    `json:"id,omitempty"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username"`
	Message     string    `json:"message,omitempty"`
	MessageType string    `json:"messageType"`
	FileURL     string    `json:"fileUrl,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// BrokerMessageFrom converts a local chat message for publishing.
func BrokerMessageFrom(m ChatMessage) BrokerMessage {
	return BrokerMessage{
		ID:          m.ID,
		RoomID:      m.RoomCode,
		UserID:      m.UserID,
		Username:    m.Username,
		Message:     m.Message,
		MessageType: m.MessageType,
		FileURL:     m.FilePath,
		FileName:    m.FileName,
		FileSize:    m.FileSize,
		Duration:    m.Duration,
		Timestamp:   m.Timestamp,
	}
}

// ChatMessage converts a mirrored message back to its client form.
func (m BrokerMessage) ChatMessage() ChatMessage {
	kind := m.MessageType
	if kind == "" {
		kind = MessageText
		if m.FileURL != "" {
			kind = MessageFile
		}
	}
	return ChatMessage{
		ID:          m.ID,
		RoomCode:    m.RoomID,
		Username:    m.Username,
		UserID:      m.UserID,
		Message:     m.Message,
		MessageType: kind,
		FilePath:    m.FileURL,
		FileName:    m.FileName,
		FileSize:    m.FileSize,
		Duration:    m.Duration,
		Timestamp:   m.Timestamp,
	}
}

// BrokerUserEvent is the data of a join or leave event.
type BrokerUserEvent struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId,omitempty"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// BrokerRoomEvent is the data of a room lifecycle event.
type BrokerRoomEvent struct {
	RoomID   string `json:"roomId"`
	ClosedBy string `json:"closedBy,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AnalyticsEvent is published to the analytics topic.
type AnalyticsEvent struct {
	Event         string  `json:"event"`
	RoomID        string  `json:"roomId,omitempty"`
	UserID        string  `json:"userId,omitempty"`
	Username      string  `json:"username,omitempty"`
	MessageLength int     `json:"messageLength,omitempty"`
	FileType      string  `json:"fileType,omitempty"`
	FileSize      int64   `json:"fileSize,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
}

// Analytics event names.
const (
	AnalyticsUserJoined  = "user_joined_room"
	AnalyticsUserLeft    = "user_left_room"
	AnalyticsMessageSent = "message_sent"
	AnalyticsFileShared  = "file_shared"
	AnalyticsAudioSent   = "audio_sent"
)
