package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Each ":memory:" store gets its own named shared-cache database so every
	// pooled connection sees the same data without leaking across stores.
	if dsn == ":memory:" {
		dsn = "file:mem-" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_login DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_code TEXT PRIMARY KEY,
			room_name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			owner_username TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			is_permanent INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_code TEXT NOT NULL,
			username TEXT NOT NULL,
			is_online INTEGER NOT NULL DEFAULT 1,
			is_permanent_member INTEGER NOT NULL DEFAULT 0,
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_code, username)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			room_code TEXT NOT NULL,
			username TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			sent_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we ignore duplicate column errors.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"messages", "user_id", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Rooms ---

func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_code, room_name, created_by, owner_username, is_active, is_permanent, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		room.Code, room.Name, room.CreatedBy, room.OwnerUsername, room.IsPermanent, room.CreatedAt,
	)
	if err == nil {
		room.IsActive = true
	}
	return err
}

func (s *SQLiteStore) GetRoomByCode(ctx context.Context, code string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT room_code, room_name, created_by, owner_username, is_active, is_permanent, created_at
		 FROM rooms WHERE room_code = ? AND is_active = 1`, code,
	).Scan(&r.Code, &r.Name, &r.CreatedBy, &r.OwnerUsername, &r.IsActive, &r.IsPermanent, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, code, owner string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET is_active = 0
		 WHERE room_code = ? AND is_active = 1 AND (owner_username = ? OR created_by = ?)`,
		code, owner, owner,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) ListUserRooms(ctx context.Context, username string) ([]UserRoom, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.room_code, r.room_name, r.created_by, r.owner_username, r.is_active, r.is_permanent, r.created_at,
		        COALESCE(p.is_permanent_member, 0), p.last_seen
		 FROM rooms r
		 LEFT JOIN room_participants p ON p.room_code = r.room_code AND p.username = ?
		 WHERE r.is_active = 1 AND (p.is_permanent_member = 1 OR r.owner_username = ? OR r.created_by = ?)
		 ORDER BY COALESCE(p.last_seen, r.created_at) DESC`,
		username, username, username,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []UserRoom
	for rows.Next() {
		var ur UserRoom
		var lastSeen sql.NullTime
		if err := rows.Scan(&ur.Code, &ur.Name, &ur.CreatedBy, &ur.OwnerUsername, &ur.IsActive, &ur.IsPermanent, &ur.CreatedAt,
			&ur.IsPermanentMember, &lastSeen); err != nil {
			return nil, err
		}
		ur.LastSeen = ur.CreatedAt
		if lastSeen.Valid {
			ur.LastSeen = lastSeen.Time
		}
		ur.IsOwner = ur.Owner() == username
		rooms = append(rooms, ur)
	}
	return rooms, rows.Err()
}

// --- Participants ---

func (s *SQLiteStore) AddRoomParticipant(ctx context.Context, code, username string, permanent bool) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_participants (room_code, username, is_online, is_permanent_member, joined_at, last_seen)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(room_code, username) DO UPDATE SET
		   is_online = 1,
		   is_permanent_member = MAX(room_participants.is_permanent_member, excluded.is_permanent_member),
		   last_seen = excluded.last_seen`,
		code, username, permanent, now, now,
	)
	return err
}

func (s *SQLiteStore) RemoveUserFromRoom(ctx context.Context, code, username string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM room_participants WHERE room_code = ? AND username = ?", code, username,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) UpdateUserStatus(ctx context.Context, code, username string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE room_participants SET is_online = ?, last_seen = ? WHERE room_code = ? AND username = ?",
		online, time.Now().UTC(), code, username,
	)
	return err
}

func (s *SQLiteStore) GetRoomParticipants(ctx context.Context, code string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.room_code, p.username, COALESCE(NULLIF(u.display_name, ''), p.username),
		        p.is_online, p.is_permanent_member, p.joined_at, p.last_seen
		 FROM room_participants p
		 LEFT JOIN users u ON u.username = p.username
		 WHERE p.room_code = ?
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

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomCode, msg.Username, msg.UserID, msg.MessageType, msg.Content,
		msg.FilePath, msg.FileName, msg.FileSize, msg.SentAt,
	)
	return err
}

func (s *SQLiteStore) GetRoomMessages(ctx context.Context, code string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_code, username, user_id, message_type, content, file_path, file_name, file_size, sent_at
		 FROM messages WHERE room_code = ? ORDER BY seq DESC LIMIT ?`,
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

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE sent_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at, last_login FROM users WHERE username = ?",
		username,
	))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at, last_login FROM users WHERE id = ?",
		id,
	))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
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

func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = ? WHERE username = ?", time.Now().UTC(), username,
	)
	return err
}
