// Package presence computes who is in a room and pushes the result to it.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

// ParticipantSource is the store view the tracker reads.
type ParticipantSource interface {
	GetRoomParticipants(ctx context.Context, code string) ([]store.Participant, error)
}

// Tracker recomputes room presence on every membership change.
type Tracker struct {
	store    ParticipantSource
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Tracker.
func New(s ParticipantSource, reg *registry.Registry, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    s,
		registry: reg,
		logger:   logger.With("component", "presence"),
	}
}

// Snapshot merges persisted participants with live sessions. A participant
// is online only if it has a live session in the room; live users with no
// participant row are listed too. When the store fails, the live set alone
// is returned.
func (t *Tracker) Snapshot(ctx context.Context, roomCode string) []protocol.PresenceEntry {
	live := t.registry.ListRoom(roomCode)
	online := lo.SliceToMap(live, func(m registry.Member) (string, bool) {
		return m.Username, true
	})

	participants, err := t.store.GetRoomParticipants(ctx, roomCode)
	if err != nil {
		t.logger.Warn("load participants failed, using live sessions only", "room", roomCode, "error", err)
		participants = nil
	}

	entries := lo.Map(participants, func(p store.Participant, _ int) protocol.PresenceEntry {
		return protocol.PresenceEntry{
			Username:          p.Username,
			DisplayName:       lo.Ternary(p.DisplayName != "", p.DisplayName, p.Username),
			IsOnline:          online[p.Username],
			IsPermanentMember: p.IsPermanentMember,
		}
	})

	known := lo.SliceToMap(participants, func(p store.Participant) (string, bool) {
		return p.Username, true
	})
	for _, m := range lo.UniqBy(live, func(m registry.Member) string { return m.Username }) {
		if known[m.Username] {
			continue
		}
		entries = append(entries, protocol.PresenceEntry{
			Username:    m.Username,
			DisplayName: m.Username,
			IsOnline:    true,
		})
	}
	return entries
}

// OnMembershipChange broadcasts a fresh presence snapshot to every session
// in the room.
func (t *Tracker) OnMembershipChange(ctx context.Context, roomCode string) {
	users := t.Snapshot(ctx, roomCode)
	n := t.registry.Broadcast(roomCode, protocol.UsersListUpdated{
		RoomCode:  roomCode,
		Users:     users,
		Timestamp: time.Now(),
	}, "")
	t.logger.Debug("presence updated", "room", roomCode, "users", len(users), "delivered", n)
}
