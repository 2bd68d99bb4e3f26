package presence

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/registry/registrytest"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

type brokenSource struct{}

func (brokenSource) GetRoomParticipants(context.Context, string) ([]store.Participant, error) {
	return nil, errors.New("database is down")
}

func setupStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.CreateRoom(ctx, &store.Room{Code: "R1", Name: "one", CreatedBy: "alice", OwnerUsername: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, p := range []struct {
		name      string
		permanent bool
	}{{"alice", true}, {"bob", false}} {
		if err := s.AddRoomParticipant(ctx, "R1", p.name, p.permanent); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func entriesByName(entries []protocol.PresenceEntry) map[string]protocol.PresenceEntry {
	out := make(map[string]protocol.PresenceEntry, len(entries))
	for _, e := range entries {
		out[e.Username] = e
	}
	return out
}

func TestSnapshotMarksOnlineFromLiveSessions(t *testing.T) {
	s := setupStore(t)
	reg := registry.New(slog.Default())
	tr := New(s, reg, slog.Default())

	alice, _ := registrytest.NewSession(t, "a")
	guest, _ := registrytest.NewSession(t, "g")
	reg.Register(alice, "R1", "alice", "")
	reg.Register(guest, "R1", "guest", "")

	got := entriesByName(tr.Snapshot(context.Background(), "R1"))
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %+v", got)
	}
	if e := got["alice"]; !e.IsOnline || !e.IsPermanentMember {
		t.Errorf("alice: %+v", e)
	}
	if e := got["bob"]; e.IsOnline {
		t.Errorf("bob has no session but is online: %+v", e)
	}
	if e := got["guest"]; !e.IsOnline || e.DisplayName != "guest" {
		t.Errorf("guest: %+v", e)
	}
}

func TestSnapshotFallsBackToLiveSessions(t *testing.T) {
	reg := registry.New(slog.Default())
	tr := New(brokenSource{}, reg, slog.Default())

	a, _ := registrytest.NewSession(t, "a1")
	b, _ := registrytest.NewSession(t, "a2")
	reg.Register(a, "R1", "alice", "")
	reg.Register(b, "R1", "alice", "")

	got := tr.Snapshot(context.Background(), "R1")
	if len(got) != 1 || got[0].Username != "alice" || !got[0].IsOnline {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}

func TestOnMembershipChangeBroadcastsToEveryone(t *testing.T) {
	s := setupStore(t)
	reg := registry.New(slog.Default())
	tr := New(s, reg, slog.Default())

	alice, aliceConn := registrytest.NewSession(t, "a")
	bob, bobConn := registrytest.NewSession(t, "b")
	reg.Register(alice, "R1", "alice", "")
	reg.Register(bob, "R1", "bob", "")

	tr.OnMembershipChange(context.Background(), "R1")

	for name, c := range map[string]*registrytest.Conn{"alice": aliceConn, "bob": bobConn} {
		registrytest.Eventually(t, name+" presence", func() bool {
			return c.Count(protocol.TypeUsersListUpdated) == 1
		})
		var msg protocol.UsersListUpdated
		if !c.Last(protocol.TypeUsersListUpdated, &msg) {
			t.Fatalf("%s: could not decode presence", name)
		}
		online := 0
		for _, u := range msg.Users {
			if u.IsOnline {
				online++
			}
		}
		if online != 2 {
			t.Errorf("%s saw %d online users, want 2", name, online)
		}
	}

	// After bob leaves the registry the next recompute drops him.
	reg.Unregister("b")
	tr.OnMembershipChange(context.Background(), "R1")
	registrytest.Eventually(t, "second update", func() bool {
		return aliceConn.Count(protocol.TypeUsersListUpdated) == 2
	})
	var msg protocol.UsersListUpdated
	aliceConn.Last(protocol.TypeUsersListUpdated, &msg)
	if e := entriesByName(msg.Users)["bob"]; e.IsOnline {
		t.Errorf("bob still online after leaving: %+v", e)
	}
}
