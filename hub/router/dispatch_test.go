package router

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/forumhub/forum/hub/auth"
	"github.com/forumhub/forum/hub/lifecycle"
	"github.com/forumhub/forum/hub/presence"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/registry/registrytest"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

// pausingStore holds the next GetRoomByCode call after it has read the room
// until release is closed.
type pausingStore struct {
	store.Store
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (s *pausingStore) GetRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	room, err := s.Store.GetRoomByCode(ctx, code)
	if s.armed.CompareAndSwap(true, false) {
		close(s.reached)
		<-s.release
	}
	return room, err
}

func newDispatchRouter(t *testing.T, s store.Store) (*Router, *registry.Registry, *lifecycle.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := s.CreateRoom(context.Background(), &store.Room{
		Code: "ROOM0001", Name: "Room", CreatedBy: "owner", OwnerUsername: "owner",
	}); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(logger)
	pub := &recordingPublisher{}
	tracker := presence.New(s, reg, logger)
	lc := lifecycle.New(s, reg, tracker, pub, logger)
	return New(s, reg, tracker, lc, pub, logger, Options{}), reg, lc
}

func newMemoryStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatchJoinAndSend(t *testing.T) {
	rt, reg, _ := newDispatchRouter(t, newMemoryStore(t))
	ctx := context.Background()
	sess, conn := registrytest.NewSession(t, "s1")
	reg.Attach(sess)

	rt.Dispatch(ctx, sess, []byte(`{"type":"join","roomCode":"ROOM0001","username":"alice"}`), nil)
	if !reg.HasUser("ROOM0001", "alice") {
		t.Fatal("alice not joined")
	}
	rt.Dispatch(ctx, sess, []byte(`{"type":"send","message":"hello"}`), nil)
	rt.Dispatch(ctx, sess, []byte(`{not json`), nil)

	registrytest.Eventually(t, "new_message", func() bool { return conn.Count(protocol.TypeNewMessage) == 1 })
	var got protocol.NewMessage
	if !conn.Last(protocol.TypeNewMessage, &got) || got.Message != "hello" || got.Username != "alice" {
		t.Errorf("new_message: %+v", got)
	}
	if conn.Count(protocol.TypeErrorResponse) != 0 {
		t.Errorf("malformed frame got a reply: %v", conn.Types())
	}
}

func TestDispatchAppliesIdentity(t *testing.T) {
	rt, reg, _ := newDispatchRouter(t, newMemoryStore(t))
	sess, _ := registrytest.NewSession(t, "s1")
	reg.Attach(sess)

	id := &auth.Identity{UserID: "u-7", Username: "erin"}
	rt.Dispatch(context.Background(), sess, []byte(`{"type":"join","roomCode":"ROOM0001","username":"mallory"}`), id)

	m := sess.Member()
	if m.Username != "erin" || m.UserID != "u-7" {
		t.Errorf("member: %+v", m)
	}
}

func TestSendIgnoresClientMessageID(t *testing.T) {
	s := newMemoryStore(t)
	rt, reg, _ := newDispatchRouter(t, s)
	ctx := context.Background()
	sess, _ := registrytest.NewSession(t, "s1")
	reg.Attach(sess)

	rt.Dispatch(ctx, sess, []byte(`{"type":"join","roomCode":"ROOM0001","username":"alice"}`), nil)
	rt.Dispatch(ctx, sess, []byte(`{"type":"send","id":"fixed","message":"one"}`), nil)
	rt.Dispatch(ctx, sess, []byte(`{"type":"send","id":"fixed","message":"two"}`), nil)

	msgs, err := s.GetRoomMessages(ctx, "ROOM0001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].ID == "fixed" || msgs[1].ID == "fixed" || msgs[0].ID == msgs[1].ID {
		t.Errorf("ids: %q %q", msgs[0].ID, msgs[1].ID)
	}
}

func TestJoinRacingCloseLeavesNoMember(t *testing.T) {
	ps := &pausingStore{
		Store:   newMemoryStore(t),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	rt, reg, lc := newDispatchRouter(t, ps)
	ctx := context.Background()
	sess, conn := registrytest.NewSession(t, "s1")
	reg.Attach(sess)

	ps.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Dispatch(ctx, sess, []byte(`{"type":"join","roomCode":"ROOM0001","username":"alice"}`), nil)
	}()

	<-ps.reached
	if err := lc.CloseRoom(ctx, "ROOM0001", "owner"); err != nil {
		t.Fatal(err)
	}
	close(ps.release)
	<-done

	if members := reg.ListRoom("ROOM0001"); len(members) != 0 {
		t.Errorf("closed room has members: %+v", members)
	}
	if sess.RoomCode() != "" {
		t.Errorf("session bound to %q", sess.RoomCode())
	}
	registrytest.Eventually(t, "error reply", func() bool { return conn.Count(protocol.TypeErrorResponse) == 1 })
	var e protocol.ErrorResponse
	if !conn.Last(protocol.TypeErrorResponse, &e) || e.Code != protocol.CodeRoomNotFound {
		t.Errorf("error: %+v", e)
	}
	if conn.Count(protocol.TypeJoinedRoom) != 0 {
		t.Error("joined_room sent for a closed room")
	}
}
