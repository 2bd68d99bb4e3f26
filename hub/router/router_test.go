package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forumhub/forum/hub/auth"
	"github.com/forumhub/forum/hub/config"
	"github.com/forumhub/forum/hub/lifecycle"
	"github.com/forumhub/forum/hub/presence"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/registry/registrytest"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) add(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, s)
	return true
}

func (p *recordingPublisher) PublishRoomMessage(msg protocol.ChatMessage) bool {
	return p.add("message:" + msg.MessageType)
}
func (p *recordingPublisher) PublishUserEvent(_, typ, username, _ string) bool {
	return p.add(typ + ":" + username)
}
func (p *recordingPublisher) PublishRoomEvent(_, typ string, _ any) bool { return p.add(typ) }
func (p *recordingPublisher) PublishFileUpload(protocol.ChatMessage) bool {
	return p.add("file_upload")
}
func (p *recordingPublisher) PublishAnalytics(ev protocol.AnalyticsEvent) bool {
	return p.add("analytics:" + ev.Event)
}

func (p *recordingPublisher) has(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.topics {
		if got == s {
			return true
		}
	}
	return false
}

type testEnv struct {
	store  *store.SQLiteStore
	reg    *registry.Registry
	pub    *recordingPublisher
	auth   *auth.Service
	router *Router
	server *httptest.Server
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for _, code := range []string{"ROOM0001", "ROOM0002"} {
		err := s.CreateRoom(context.Background(), &store.Room{
			Code: code, Name: "Room " + code, CreatedBy: "owner", OwnerUsername: "owner", IsPermanent: true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	authSvc := auth.NewService(s, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	reg := registry.New(logger)
	pub := &recordingPublisher{}
	tracker := presence.New(s, reg, logger)
	lc := lifecycle.New(s, reg, tracker, pub, logger)
	rt := New(s, reg, tracker, lc, pub, logger, Options{
		Auth:       authSvc,
		CloseGrace: 20 * time.Millisecond,
	})

	srv := httptest.NewServer(http.HandlerFunc(rt.HandleClientWS))
	t.Cleanup(srv.Close)
	return &testEnv{store: s, reg: reg, pub: pub, auth: authSvc, router: rt, server: srv}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until one of type typ arrives and decodes it into v.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if got, _ := protocol.PeekType(raw); got == typ {
			if v != nil {
				if err := json.Unmarshal(raw, v); err != nil {
					t.Fatal(err)
				}
			}
			return
		}
	}
}

// expectNone fails if a frame of type typ arrives within d.
func expectNone(t *testing.T, conn *websocket.Conn, typ string, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if got, _ := protocol.PeekType(raw); got == typ {
			t.Fatalf("unexpected %s: %s", typ, raw)
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, room, username string) {
	t.Helper()
	send(t, conn, map[string]any{"type": "join", "roomCode": room, "username": username})
	readUntil(t, conn, protocol.TypeJoinedRoom, nil)
	readUntil(t, conn, protocol.TypeMessageHistory, nil)
}

func TestJoinSendAndHistory(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	send(t, a, map[string]any{"type": "send", "roomCode": "ROOM0001", "message": "hi"})

	var got protocol.NewMessage
	readUntil(t, b, protocol.TypeNewMessage, &got)
	if got.Username != "alice" || got.Message != "hi" || got.MessageType != protocol.MessageText {
		t.Errorf("bob received %+v", got)
	}
	readUntil(t, a, protocol.TypeNewMessage, &got)

	c := env.dial(t, "")
	send(t, c, map[string]any{"type": "join_room", "roomCode": "ROOM0001", "username": "carol"})
	var joined protocol.JoinedRoom
	readUntil(t, c, protocol.TypeJoinedRoom, &joined)
	if joined.RoomName != "Room ROOM0001" || joined.SessionID == "" {
		t.Errorf("joined_room: %+v", joined)
	}
	var history protocol.MessageHistory
	readUntil(t, c, protocol.TypeMessageHistory, &history)
	if len(history.Messages) != 1 || history.Messages[0].Message != "hi" {
		t.Errorf("history: %+v", history.Messages)
	}

	var uj protocol.UserJoined
	readUntil(t, a, protocol.TypeUserJoined, &uj)
	if uj.Username != "carol" {
		t.Errorf("user_joined: %+v", uj)
	}
	if !env.pub.has("message:text") || !env.pub.has("analytics:"+protocol.AnalyticsMessageSent) {
		t.Error("message not mirrored")
	}
	if !env.pub.has(protocol.BrokerUserJoined + ":carol") {
		t.Error("join not mirrored")
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	send(t, a, map[string]any{"type": "join", "roomCode": "NOPE0000", "username": "alice"})

	var e protocol.ErrorResponse
	readUntil(t, a, protocol.TypeErrorResponse, &e)
	if e.Code != protocol.CodeRoomNotFound {
		t.Errorf("code: got %s", e.Code)
	}
}

func TestSendBeforeJoin(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	send(t, a, map[string]any{"type": "send", "roomCode": "ROOM0001", "message": "hi"})

	var e protocol.ErrorResponse
	readUntil(t, a, protocol.TypeErrorResponse, &e)
	if e.Code != protocol.CodeNotJoined {
		t.Errorf("code: got %s", e.Code)
	}
}

func TestEmptySendIgnored(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")

	send(t, a, map[string]any{"type": "send", "message": "   "})
	expectNone(t, a, protocol.TypeNewMessage, 100*time.Millisecond)
}

func TestMalformedFrameDropped(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	send(t, a, map[string]any{"type": "bogus"})
	expectNone(t, a, protocol.TypeErrorResponse, 100*time.Millisecond)

	// The connection is still usable.
	join(t, a, "ROOM0001", "alice")
}

func TestAbruptDisconnectUpdatesPresence(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	_ = a.Close()

	var left protocol.UserLeft
	readUntil(t, b, protocol.TypeUserLeft, &left)
	if left.Username != "alice" {
		t.Errorf("user_left: %+v", left)
	}
	var list protocol.UsersListUpdated
	readUntil(t, b, protocol.TypeUsersListUpdated, &list)
	for _, u := range list.Users {
		if u.Username == "alice" && u.IsOnline {
			t.Error("alice still online after disconnect")
		}
	}
	registrytest.Eventually(t, "alice unregistered", func() bool {
		return !env.reg.HasUser("ROOM0001", "alice")
	})
}

func TestDuplicateJoinSinglePresenceEntry(t *testing.T) {
	env := setupTestRouter(t)
	a1 := env.dial(t, "")
	a2 := env.dial(t, "")
	join(t, a1, "ROOM0001", "alice")
	join(t, a2, "ROOM0001", "alice")

	var list protocol.UsersListUpdated
	readUntil(t, a2, protocol.TypeUsersListUpdated, &list)
	count := 0
	for _, u := range list.Users {
		if u.Username == "alice" {
			count++
			if !u.IsOnline {
				t.Error("alice should be online")
			}
		}
	}
	if count != 1 {
		t.Errorf("alice listed %d times", count)
	}
}

func TestTypingGoesToOthersOnly(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	send(t, a, map[string]any{"type": "typing", "isTyping": true})

	var ti protocol.TypingIndicator
	readUntil(t, b, protocol.TypeTyping, &ti)
	if ti.Username != "alice" || !ti.IsTyping {
		t.Errorf("typing: %+v", ti)
	}
	expectNone(t, a, protocol.TypeTyping, 100*time.Millisecond)
}

func TestPerSenderOrder(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	want := []string{"one", "two", "three", "four", "five"}
	for _, m := range want {
		send(t, a, map[string]any{"type": "send", "message": m})
	}
	for _, m := range want {
		var got protocol.NewMessage
		readUntil(t, b, protocol.TypeNewMessage, &got)
		if got.Message != m {
			t.Fatalf("order: got %q, want %q", got.Message, m)
		}
	}
}

func TestFileMessageRelayedNotStored(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	send(t, a, map[string]any{
		"type": "send", "messageType": "file", "message": "report.pdf",
		"filePath": "/uploads/abc.pdf", "fileName": "report.pdf", "fileSize": 1234,
	})

	var got protocol.NewMessage
	readUntil(t, b, protocol.TypeNewMessage, &got)
	if got.FilePath != "/uploads/abc.pdf" || got.FileSize != 1234 || got.MessageType != protocol.MessageFile {
		t.Errorf("file message: %+v", got)
	}
	msgs, err := env.store.GetRoomMessages(context.Background(), "ROOM0001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("file message persisted again: %+v", msgs)
	}
	if !env.pub.has("file_upload") || !env.pub.has("analytics:"+protocol.AnalyticsFileShared) {
		t.Error("file share not mirrored")
	}
}

func TestPersistenceFailureStillBroadcasts(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	_ = env.store.Close()
	send(t, a, map[string]any{"type": "send", "message": "lost?"})

	var e protocol.ErrorResponse
	readUntil(t, a, protocol.TypeErrorResponse, &e)
	if e.Code != protocol.CodePersistence {
		t.Errorf("code: got %s", e.Code)
	}
	var got protocol.NewMessage
	readUntil(t, b, protocol.TypeNewMessage, &got)
	if got.Message != "lost?" {
		t.Errorf("bob received %+v", got)
	}
	expectNone(t, b, protocol.TypeErrorResponse, 50*time.Millisecond)
}

func TestLeaveKeepsSocketOpen(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")
	join(t, b, "ROOM0001", "bob")

	send(t, a, map[string]any{"type": "leave_room", "roomCode": "ROOM0001"})
	readUntil(t, b, protocol.TypeUserLeft, nil)

	// Same socket can join another room.
	join(t, a, "ROOM0002", "alice")
	if !env.reg.HasUser("ROOM0002", "alice") || env.reg.HasUser("ROOM0001", "alice") {
		t.Error("alice should only be in ROOM0002")
	}

	send(t, a, map[string]any{"type": "leave"})
	send(t, a, map[string]any{"type": "leave"})
	var e protocol.ErrorResponse
	readUntil(t, a, protocol.TypeErrorResponse, &e)
	if e.Code != protocol.CodeNotJoined {
		t.Errorf("code: got %s", e.Code)
	}
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	b := env.dial(t, "")
	join(t, b, "ROOM0001", "bob")
	join(t, a, "ROOM0001", "alice")
	join(t, a, "ROOM0002", "alice")

	var left protocol.UserLeft
	readUntil(t, b, protocol.TypeUserLeft, &left)
	if left.Username != "alice" {
		t.Errorf("user_left: %+v", left)
	}
	if len(env.reg.ListRoom("ROOM0001")) != 1 {
		t.Error("alice should have left ROOM0001")
	}
}

func TestTokenIdentityOverridesUsername(t *testing.T) {
	env := setupTestRouter(t)
	ctx := context.Background()
	user, err := env.auth.Register(ctx, "dora", "a-long-password", "Dora")
	if err != nil {
		t.Fatal(err)
	}
	token, err := env.auth.Login(ctx, "dora", "a-long-password")
	if err != nil {
		t.Fatal(err)
	}

	a := env.dial(t, "?token="+token)
	join(t, a, "ROOM0001", "someone-else")

	members := env.reg.ListRoom("ROOM0001")
	if len(members) != 1 || members[0].Username != "dora" || members[0].UserID != user.ID {
		t.Errorf("members: %+v", members)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	env := setupTestRouter(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestRoomCloseDisconnectsClients(t *testing.T) {
	env := setupTestRouter(t)
	a := env.dial(t, "")
	join(t, a, "ROOM0001", "alice")

	lc := env.router.lifecycle
	if err := lc.CloseRoom(context.Background(), "ROOM0001", "owner"); err != nil {
		t.Fatal(err)
	}

	var rc protocol.RoomClosed
	readUntil(t, a, protocol.TypeRoomClosed, &rc)
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestMessageLimiter(t *testing.T) {
	l := newMessageLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if l.allow() {
		t.Error("burst exceeded but allowed")
	}
}
