// Package protocol defines the wire protocol exchanged between chat clients
// and the hub over WebSocket, and between hub instances over the broker.
//
// Client messages are JSON objects with a "type" field. Inbound messages are
// decoded into a closed set of Go types (Join, Send, Leave, Typing) and
// anything else becomes Unrecognized. Outbound messages implement Outbound
// and are encoded with their type tag by Encode.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// --- Message type constants ---

const (
	// Client → Hub
	TypeJoin   = "join"
	TypeSend   = "send"
	TypeLeave  = "leave"
	TypeTyping = "typing"

	// Hub → Client
	TypeJoinedRoom       = "joined_room"
	TypeMessageHistory   = "message_history"
	TypeNewMessage       = "new_message"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeUsersListUpdated = "users_list_updated"
	TypeRoomClosed       = "room_closed"
	TypeErrorResponse    = "error"
	TypeSystemEvent      = "system_event"
)

// Legacy inbound names still sent by older web clients.
var inboundAliases = map[string]string{
	"join_room":    TypeJoin,
	"send_message": TypeSend,
	"leave_room":   TypeLeave,
}

// Message content kinds carried by Send and ChatMessage.
const (
	MessageText  = "text"
	MessageFile  = "file"
	MessageAudio = "audio"
)

var validate = validator.New()

// --- Client → Hub messages ---

// Inbound is one decoded client message.
type Inbound interface {
	Kind() string
}

// Join asks the hub to bind the connection to a room.
type Join struct {
	RoomCode string `validate:"required,max=64"`
	Username string `validate:"required,max=64"`
	UserID   string `validate:"max=128"`
}

// Send carries a chat message. File and audio attachments were already
// stored by the upload endpoint; only their metadata travels here. The hub
// assigns the message id.
type Send struct {
	RoomCode    string `validate:"max=64"`
	Username    string `validate:"max=64"`
	UserID      string `validate:"max=128"`
	Message     string
	MessageType string `validate:"omitempty,oneof=text file audio"`
	FilePath    string
	FileName    string
	FileSize    int64   `validate:"gte=0"`
	Duration    float64 `validate:"gte=0"`
}

// Leave detaches the connection from its room.
type Leave struct {
	RoomCode string
	Username string
}

// Typing is an ephemeral typing indicator.
type Typing struct {
	RoomCode string
	Username string
	IsTyping bool
}

// Unrecognized is any message whose type is not part of the protocol.
type Unrecognized struct {
	Type string
}

func (Join) Kind() string           { return TypeJoin }
func (Send) Kind() string           { return TypeSend }
func (Leave) Kind() string          { return TypeLeave }
func (Typing) Kind() string         { return TypeTyping }
func (u Unrecognized) Kind() string { return u.Type }

// Empty reports whether the message has neither text nor an attachment.
func (s Send) Empty() bool {
	return strings.TrimSpace(s.Message) == "" && s.FilePath == ""
}

// ContentType returns the message kind, defaulting to text.
func (s Send) ContentType() string {
	if s.MessageType == "" {
		return MessageText
	}
	return s.MessageType
}

// inboundWire is the flat JSON shape every client message uses.
type inboundWire struct {
	Type        string  `json:"type"`
	RoomCode    string  `json:"roomCode"`
	Username    string  `json:"username"`
	UserID      string  `json:"userId,omitempty"`
	Message     string  `json:"message,omitempty"`
	MessageType string  `json:"messageType,omitempty"`
	FilePath    string  `json:"filePath,omitempty"`
	FileName    string  `json:"fileName,omitempty"`
	FileSize    int64   `json:"fileSize,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	IsTyping    bool    `json:"isTyping,omitempty"`
}

// Decode parses a raw client frame. Syntax and validation failures wrap
// ErrMalformedEnvelope; unknown types decode to Unrecognized without error.
func Decode(raw []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	typ := w.Type
	if alias, ok := inboundAliases[typ]; ok {
		typ = alias
	}

	var msg Inbound
	switch typ {
	case TypeJoin:
		msg = Join{RoomCode: w.RoomCode, Username: w.Username, UserID: w.UserID}
	case TypeSend:
		msg = Send{
			RoomCode:    w.RoomCode,
			Username:    w.Username,
			UserID:      w.UserID,
			Message:     w.Message,
			MessageType: w.MessageType,
			FilePath:    w.FilePath,
			FileName:    w.FileName,
			FileSize:    w.FileSize,
			Duration:    w.Duration,
		}
	case TypeLeave:
		return Leave{RoomCode: w.RoomCode, Username: w.Username}, nil
	case TypeTyping:
		return Typing{RoomCode: w.RoomCode, Username: w.Username, IsTyping: w.IsTyping}, nil
	default:
		return Unrecognized{Type: w.Type}, nil
	}

	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return msg, nil
}

// --- Hub → Client messages ---

// Outbound is a message the hub sends to clients.
type Outbound interface {
	OutboundType() string
}

// ChatMessage is a chat line as clients render it, live or from history.
type ChatMessage struct {
	ID          string    `json:"id,omitempty"`
	RoomCode    string    `json:"roomCode"`
	Username    string    `json:"username"`
	UserID      string    `json:"userId,omitempty"`
	Message     string    `json:"message"`
	MessageType string    `json:"messageType"`
	FilePath    string    `json:"filePath,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// JoinedRoom confirms a join to the joining connection.
type JoinedRoom struct {
	RoomCode  string    `json:"roomCode"`
	RoomName  string    `json:"roomName"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageHistory carries stored messages to a connection that just joined.
type MessageHistory struct {
	RoomCode  string        `json:"roomCode"`
	Messages  []ChatMessage `json:"messages"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewMessage is a live chat message.
type NewMessage struct {
	ChatMessage
}

// UserJoined announces a new member to the rest of the room.
type UserJoined struct {
	RoomCode  string    `json:"roomCode"`
	Username  string    `json:"username"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserLeft announces a departure.
type UserLeft struct {
	RoomCode  string    `json:"roomCode"`
	Username  string    `json:"username"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceEntry is one member of a room's presence list.
type PresenceEntry struct {
	Username          string `json:"username"`
	DisplayName       string `json:"displayName"`
	IsOnline          bool   `json:"isOnline"`
	IsPermanentMember bool   `json:"isPermanentMember"`
}

// UsersListUpdated carries a full presence snapshot.
type UsersListUpdated struct {
	RoomCode  string          `json:"roomCode"`
	Users     []PresenceEntry `json:"users"`
	Timestamp time.Time       `json:"timestamp"`
}

// RoomClosed tells every connection in a room that it is going away.
type RoomClosed struct {
	RoomCode  string    `json:"roomCode"`
	ClosedBy  string    `json:"closedBy,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse carries an error to a single connection.
type ErrorResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RoomCode  string    `json:"roomCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingIndicator relays a typing state to the other room members.
type TypingIndicator struct {
	RoomCode  string    `json:"roomCode"`
	Username  string    `json:"username"`
	UserID    string    `json:"userId,omitempty"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemEvent relays a system-wide broker event to every connection.
type SystemEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (JoinedRoom) OutboundType() string       { return TypeJoinedRoom }
func (MessageHistory) OutboundType() string   { return TypeMessageHistory }
func (NewMessage) OutboundType() string       { return TypeNewMessage }
func (UserJoined) OutboundType() string       { return TypeUserJoined }
func (UserLeft) OutboundType() string         { return TypeUserLeft }
func (UsersListUpdated) OutboundType() string { return TypeUsersListUpdated }
func (RoomClosed) OutboundType() string       { return TypeRoomClosed }
func (ErrorResponse) OutboundType() string    { return TypeErrorResponse }
func (TypingIndicator) OutboundType() string  { return TypeTyping }
func (SystemEvent) OutboundType() string      { return TypeSystemEvent }

// NewError builds an error message whose code is derived from err.
func NewError(err error, roomCode string) ErrorResponse {
	return ErrorResponse{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		RoomCode:  roomCode,
		Timestamp: time.Now(),
	}
}

// Encode serializes an outbound message with its "type" tag first.
func Encode(msg Outbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.OutboundType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: payload is not an object", msg.OutboundType())
	}

	tag, _ := json.Marshal(msg.OutboundType())
	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if rest := body[1:]; !bytes.Equal(rest, []byte("}")) {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the "type" field of a raw message.
func PeekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return head.Type, nil
}
