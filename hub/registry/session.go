package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forumhub/forum/pkg/protocol"
)

const (
	defaultSendBuffer = 64
	defaultWriteWait  = 10 * time.Second
	defaultCloseGrace = time.Second
)

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionOptions configures a session's writer.
type SessionOptions struct {
	SendBuffer   int           // queued frames before new ones are dropped
	PingInterval time.Duration // 0 disables pings
	WriteWait    time.Duration
	CloseGrace   time.Duration // wait after the close frame before dropping the socket
}

// Session is one live client connection. All socket writes go through a
// single writer goroutine fed by a bounded queue, so a slow peer only ever
// loses its own frames.
type Session struct {
	id   string
	conn Conn
	opts SessionOptions

	send     chan []byte
	done     chan struct{} // closed when the writer has torn the socket down
	released chan struct{} // closed when the reader has stopped
	release  sync.Once

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	roomCode    string
	username    string
	userID      string
	joinedAt    time.Time
}

// NewSession wraps conn and starts its writer.
func NewSession(id string, conn Conn, opts SessionOptions) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}

	s := &Session{
		id:       id,
		conn:     conn,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RoomCode returns the room the session is bound to, or "".
func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

// Username returns the username given at join.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// UserID returns the user id given at join.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Member returns the session's current room binding.
func (s *Session) Member() Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberLocked()
}

func (s *Session) memberLocked() Member {
	return Member{
		SessionID: s.id,
		RoomCode:  s.roomCode,
		Username:  s.username,
		UserID:    s.userID,
		JoinedAt:  s.joinedAt,
	}
}

func (s *Session) bind(roomCode, username, userID string) {
	s.mu.Lock()
	s.roomCode = roomCode
	s.username = username
	s.userID = userID
	s.joinedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) unbind() Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.memberLocked()
	s.roomCode = ""
	return m
}

// Send encodes msg and queues it. It reports false when the session is
// closing or its queue is full.
func (s *Session) Send(msg protocol.Outbound) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		return false
	}
	return s.trySend(data)
}

func (s *Session) trySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Closed reports whether Close has been called or the socket failed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close flushes queued frames, sends a close frame and drops the socket
// once the peer goes away or the grace period ends. It does not block.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.send)
}

// Release tells the session its reader has stopped.
func (s *Session) Release() {
	s.release.Do(func() { close(s.released) })
}

// Done is closed once the socket has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writeLoop() {
	defer close(s.done)

	var ping <-chan time.Time
	if s.opts.PingInterval > 0 {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.finish()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.abort()
				return
			}
		case <-ping:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				s.abort()
				return
			}
		case <-s.released:
			s.abort()
			return
		}
	}
}

// finish runs after Close: the queue is drained, so say goodbye and hang up.
func (s *Session) finish() {
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(s.opts.WriteWait))

	grace := time.NewTimer(s.opts.CloseGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-s.released:
	}
	_ = s.conn.Close()
}

// abort tears the socket down without a close handshake.
func (s *Session) abort() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}
