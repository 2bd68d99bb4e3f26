// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, room *Room) error
	// GetRoomByCode returns nil, nil when the room does not exist or was closed.
	GetRoomByCode(ctx context.Context, code string) (*Room, error)
	// DeleteRoom deactivates a room owned by owner and reports how many rooms changed.
	DeleteRoom(ctx context.Context, code, owner string) (int64, error)
	ListUserRooms(ctx context.Context, username string) ([]UserRoom, error)

	// Participants
	AddRoomParticipant(ctx context.Context, code, username string, permanent bool) error
	RemoveUserFromRoom(ctx context.Context, code, username string) (int64, error)
	UpdateUserStatus(ctx context.Context, code, username string, online bool) error
	GetRoomParticipants(ctx context.Context, code string) ([]Participant, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	// GetRoomMessages returns up to limit of the most recent messages, oldest first.
	GetRoomMessages(ctx context.Context, code string, limit int) ([]Message, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateLastLogin(ctx context.Context, username string) error

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Room is a chat room.
type Room struct {
	Code          string    `json:"room_code"`
	Name          string    `json:"room_name"`
	CreatedBy     string    `json:"created_by"`
	OwnerUsername string    `json:"owner_username,omitempty"`
	IsActive      bool      `json:"is_active"`
	IsPermanent   bool      `json:"is_permanent"`
	CreatedAt     time.Time `json:"created_at"`
}

// Owner returns the username allowed to close the room.
func (r *Room) Owner() string {
	if r.OwnerUsername != "" {
		return r.OwnerUsername
	}
	return r.CreatedBy
}

// UserRoom is a room as listed for one of its members.
type UserRoom struct {
	Room
	IsPermanentMember bool      `json:"is_permanent_member"`
	IsOwner           bool      `json:"is_owner"`
	LastSeen          time.Time `json:"last_seen"`
}

// Participant is a persisted room membership.
type Participant struct {
	RoomCode          string    `json:"room_code"`
	Username          string    `json:"username"`
	DisplayName       string    `json:"display_name"`
	IsOnline          bool      `json:"is_online"`
	IsPermanentMember bool      `json:"is_permanent_member"`
	JoinedAt          time.Time `json:"joined_at"`
	LastSeen          time.Time `json:"last_seen"`
}

// Message is a persisted chat message.
type Message struct {
	ID          string    `json:"id"`
	RoomCode    string    `json:"room_code"`
	Username    string    `json:"username"`
	UserID      string    `json:"user_id,omitempty"`
	MessageType string    `json:"message_type"` // "text", "file" or "audio"
	Content     string    `json:"content"`
	FilePath    string    `json:"file_path,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// User represents a registered hub user.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"` // "admin" or "user"
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}
