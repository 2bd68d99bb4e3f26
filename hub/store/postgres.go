package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_code TEXT PRIMARY KEY,
			room_name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			owner_username TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_permanent BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_code TEXT NOT NULL,
			username TEXT NOT NULL,
			is_online BOOLEAN NOT NULL DEFAULT TRUE,
			is_permanent_member BOOLEAN NOT NULL DEFAULT FALSE,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (room_code, username)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			room_code TEXT NOT NULL,
			username TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			file_size BIGINT NOT NULL DEFAULT 0,
			sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_code, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_room_participants_username ON room_participants(username)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Rooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, room *Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_code, room_name, created_by, owner_username, is_active, is_permanent, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
		room.Code, room.Name, room.CreatedBy, room.OwnerUsername, room.IsPermanent, room.CreatedAt,
	)
	if err == nil {
		room.IsActive = true
	}
	return err
}

func (s *PostgresStore) GetRoomByCode(ctx context.Context, code string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT room_code, room_name, created_by, owner_username, is_active, is_permanent, created_at
		 FROM rooms WHERE room_code = $1 AND is_active`, code,
	).Scan(&r.Code, &r.Name, &r.CreatedBy, &r.OwnerUsername, &r.IsActive, &r.IsPermanent, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, code, owner string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET is_active = FALSE
		 WHERE room_code = $1 AND is_active AND (owner_username = $2 OR created_by = $2)`,
		code, owner,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) ListUserRooms(ctx context.Context, username string) ([]UserRoom, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.room_code, r.room_name, r.created_by, r.owner_username, r.is_active, r.is_permanent, r.created_at,
		        COALESCE(p.is_permanent_member, FALSE), COALESCE(p.last_seen, r.created_at)
		 FROM rooms r
		 LEFT JOIN room_participants p ON p.room_code = r.room_code AND p.username = $1
		 WHERE r.is_active AND (p.is_permanent_member OR r.owner_username = $1 OR r.created_by = $1)
		 ORDER BY COALESCE(p.last_seen, r.created_at) DESC`,
		username,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []UserRoom
	for rows.Next() {
		var ur UserRoom
		if err := rows.Scan(&ur.Code, &ur.Name, &ur.CreatedBy, &ur.OwnerUsername, &ur.IsActive, &ur.IsPermanent, &ur.CreatedAt,
			&ur.IsPermanentMember, &ur.LastSeen); err != nil {
			return nil, err
		}
		ur.IsOwner = ur.Owner() == username
		rooms = append(rooms, ur)
	}
	return rooms, rows.Err()
}

// --- Participants ---

func (s *PostgresStore) AddRoomParticipant(ctx context.Context, code, username string, permanent bool) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_participants (room_code, username, is_online, is_permanent_member, joined_at, last_seen)
		 VALUES ($1, $2, TRUE, $3, $4, $4)
		 ON CONFLICT (room_code, username) DO UPDATE SET
		   is_online = TRUE,
		   is_permanent_member = room_participants.is_permanent_member OR EXCLUDED.is_permanent_member,
		   last_seen = EXCLUDED.last_seen`,
		code, username, permanent, now,
	)
	return err
}

func (s *PostgresStore) RemoveUserFromRoom(ctx context.Context, code, username string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM room_participants WHERE room_code = $1 AND username = $2", code, username,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) UpdateUserStatus(ctx context.Context, code, username string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE room_participants SET is_online = $1, last_seen = NOW() WHERE room_code = $2 AND username = $3",
		online, code, username,
	)
	return err
}

func (s *PostgresStore) GetRoomParticipants(ctx context.Context, code string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.room_code, p.username, COALESCE(NULLIF(u.display_name, ''), p.username),
		        p.is_online, p.is_permanent_member, p.joined_at, p.last_seen
		 FROM room_participants p
		 LEFT JOIN users u ON u.username = p.username
		 WHERE p.room_code = $1
		 ORDER BY p.joined_at, p.username`, code,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.RoomCode, &p.Username, &p.DisplayName, &p.IsOnline, &p.IsPermanentMember, &p.JoinedAt, &p.LastSeen); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// --- Messages ---

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_code, username, user_id, message_type, content, file_path, file_name, file_size, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.RoomCode, msg.Username, msg.UserID, msg.MessageType, msg.Content,
		msg.FilePath, msg.FileName, msg.FileSize, msg.SentAt,
	)
	return err
}

func (s *PostgresStore) GetRoomMessages(ctx context.Context, code string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_code, username, user_id, message_type, content, file_path, file_name, file_size, sent_at
		 FROM messages WHERE room_code = $1 ORDER BY seq DESC LIMIT $2`,
		code, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomCode, &m.Username, &m.UserID, &m.MessageType, &m.Content,
			&m.FilePath, &m.FileName, &m.FileSize, &m.SentAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE sent_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at, last_login FROM users WHERE username = $1",
		username,
	))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at, last_login FROM users WHERE id = $1",
		id,
	))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	return &u, nil
}

func (s *PostgresStore) UpdateLastLogin(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = NOW() WHERE username = $1", username,
	)
	return err
}
