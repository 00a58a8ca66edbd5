package room

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/npezzotti/roomsync/internal/blob"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/testutil"
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func newTestManager(t *testing.T, cfg Config) (*Manager, store.Store, *blob.MemoryStore, *fakeClock) {
	t.Helper()
	logger, _ := testutil.TestLogger(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	return NewManager(s, blobs, cfg, logger, clock.Now), s, blobs, clock
}

func joinReason(t *testing.T, err error) JoinReason {
	t.Helper()
	var jerr *JoinError
	require.True(t, errors.As(err, &jerr), "expected a *JoinError, got %v", err)
	return jerr.Reason
}

func TestNormalizeCode(t *testing.T) {
	tcases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"abc123", "ABC123", true},
		{" room9 ", "ROOM9", true},
		{"abc", "", false},
		{"ABC-123", "", false},
		{"ABCDEFGHIJKLM", "", false},
	}
	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeCode(tc.in)
			if !tc.ok {
				assert.Equal(t, ReasonInvalidCode, joinReason(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestJoinReadsBeforeCreating(t *testing.T) {
	logger, _ := testutil.TestLogger(t)
	ms := new(store.MockStore)

	read := ms.On("Read", mock.Anything, "rooms/ABC123").Return(nil, store.ErrNotFound).Once()
	ms.On("Write", mock.Anything, "rooms/ABC123", mock.AnythingOfType("types.Room")).
		Return(nil).Once().NotBefore(read)

	m := NewManager(ms, nil, Config{}, logger, nil)
	joined, err := m.Join(context.Background(), "abc123", "Ana", types.RoleOperator)
	require.NoError(t, err)

	assert.True(t, joined.Created)
	assert.Equal(t, types.RoleOwner, joined.Self.Role, "the creator owns the room")
	assert.Equal(t, joined.Self.Id, joined.Doc.Meta.OwnerId)
	ms.AssertExpectations(t)
	ms.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestSecondJoinerIsNotOwner(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	first, err := m.Join(ctx, "ABC123", "Ana", types.RoleOperator)
	require.NoError(t, err)
	second, err := m.Join(ctx, "ABC123", "Ben", types.RoleDispatcher)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, types.RoleDispatcher, second.Self.Role)

	doc, err := m.Load(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, first.Self.Id, doc.Meta.OwnerId, "exactly one owner")
	assert.Len(t, doc.Participants, 2)
	assert.Len(t, doc.Messages, 2, "open and join notices")
}

func TestJoinRejections(t *testing.T) {
	m, _, _, clock := newTestManager(t, Config{Capacity: map[types.Role]int{types.RoleOperator: 1}})
	ctx := context.Background()

	_, err := m.Join(ctx, "ROOM1", "Owner", types.RoleOwner)
	require.NoError(t, err)
	_, err = m.Join(ctx, "ROOM1", "Olga", types.RoleOperator)
	require.NoError(t, err)

	tcases := []struct {
		name   string
		code   string
		user   string
		role   types.Role
		reason JoinReason
	}{
		{"name taken ignoring case", "ROOM1", "oLGA", types.RoleDispatcher, ReasonNameTaken},
		{"capacity reached", "ROOM1", "Oscar", types.RoleOperator, ReasonRoomFull},
		{"owner taken", "ROOM1", "Boss", types.RoleOwner, ReasonOwnerTaken},
		{"empty name", "ROOM1", "   ", types.RoleOperator, ReasonInvalidName},
		{"unknown role", "ROOM1", "Zed", "admin", ReasonInvalidRole},
		{"bad code", "R!", "Zed", types.RoleOperator, ReasonInvalidCode},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Join(ctx, tc.code, tc.user, tc.role)
			assert.Equal(t, tc.reason, joinReason(t, err))
		})
	}

	doc, err := m.Load(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Len(t, doc.Participants, 2, "rejected joins write nothing")

	clock.t = clock.t.Add(time.Minute)
	_, err = m.Join(ctx, "ROOM1", "olga", types.RoleOperator)
	assert.NoError(t, err, "a pruned participant frees both the name and the place")
}

func TestLoadDropsCorruptEntries(t *testing.T) {
	logger, hook := testutil.TestLogger(t)
	s := store.NewMemoryStore()
	m := NewManager(s, nil, Config{}, logger, nil)
	ctx := context.Background()

	_, err := m.Join(ctx, "ROOM2", "Ana", types.RoleOwner)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "rooms/ROOM2/messages/bogus", "not a message"))
	require.NoError(t, s.Write(ctx, "rooms/ROOM2/queue/A1", map[string]any{"code": "B2"}))

	doc, err := m.Load(ctx, "ROOM2")
	require.NoError(t, err)
	assert.Len(t, doc.Messages, 1)
	assert.Empty(t, doc.Queue)

	var warned int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned++
		}
	}
	assert.Equal(t, 2, warned)
}

func TestLoadTreatsOrphanedNodesAsAbsent(t *testing.T) {
	m, s, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "rooms/GONE1/meta", map[string]any{"last_activity": 5}))
	_, err := m.Load(ctx, "GONE1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLateWritesAfterCloseAreCollected(t *testing.T) {
	m, s, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	owner, err := m.Join(ctx, "ROOM9", "Ana", types.RoleOwner)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "ROOM9", owner.Self.Id))

	// a heartbeat and an activity refresh that were in flight during the close
	require.NoError(t, s.Write(ctx, types.RoomPath("ROOM9", "participants", owner.Self.Id), owner.Self))
	require.NoError(t, s.Update(ctx, types.RoomPath("ROOM9"), map[string]any{"meta/last_activity": 1}))

	_, err = m.Load(ctx, "ROOM9")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	collected, err := m.CollectGarbage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"ROOM9"}, collected)
	_, err = s.Read(ctx, types.RoomPath("ROOM9"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLeave(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Join(ctx, "ROOM3", "Ana", types.RoleOwner)
	require.NoError(t, err)
	ben, err := m.Join(ctx, "ROOM3", "Ben", types.RoleOperator)
	require.NoError(t, err)

	require.NoError(t, m.Leave(ctx, "ROOM3", ben.Self))

	doc, err := m.Load(ctx, "ROOM3")
	require.NoError(t, err)
	assert.NotContains(t, doc.Participants, ben.Self.Id)
	texts := make([]string, 0, len(doc.Messages))
	for _, msg := range doc.Messages {
		texts = append(texts, msg.Text)
	}
	assert.Contains(t, texts, "Ben left")
}

func TestClose(t *testing.T) {
	m, _, blobs, _ := newTestManager(t, Config{})
	ctx := context.Background()

	owner, err := m.Join(ctx, "ROOM4", "Ana", types.RoleOwner)
	require.NoError(t, err)
	guest, err := m.Join(ctx, "ROOM4", "Ben", types.RoleOperator)
	require.NoError(t, err)

	blobs.Put("rooms/ROOM4/photo-1.jpg", []byte("x"))
	blobs.Put("rooms/ROOM40/photo-1.jpg", []byte("y"))

	assert.ErrorIs(t, m.Close(ctx, "ROOM4", guest.Self.Id), ErrNotOwner)

	require.NoError(t, m.Close(ctx, "ROOM4", owner.Self.Id))
	_, err = m.Load(ctx, "ROOM4")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	left, err := blobs.List(ctx, "rooms/")
	require.NoError(t, err)
	assert.Equal(t, []string{"rooms/ROOM40/photo-1.jpg"}, left)

	assert.NoError(t, m.Close(ctx, "ROOM4", owner.Self.Id), "closing an absent room is a no-op")
}

func TestCloseBroadcastsBeforeDeleting(t *testing.T) {
	logger, _ := testutil.TestLogger(t)
	ms := new(store.MockStore)
	room := []byte(`{"meta":{"created_at":1,"owner_id":"boss","last_activity":1}}`)

	ms.On("Read", mock.Anything, "rooms/ROOM5").Return(json.RawMessage(room), nil).Once()
	broadcast := ms.On("Write", mock.Anything, mock.MatchedBy(func(p string) bool {
		return len(p) > len("rooms/ROOM5/messages/")
	}), mock.AnythingOfType("types.Message")).Return(nil).Once()
	ms.On("Delete", mock.Anything, "rooms/ROOM5").Return(nil).Once().NotBefore(broadcast)

	m := NewManager(ms, nil, Config{CloseGrace: time.Millisecond}, logger, nil)
	require.NoError(t, m.Close(context.Background(), "ROOM5", "boss"))
	ms.AssertExpectations(t)
}

func TestCollectGarbage(t *testing.T) {
	m, s, blobs, clock := newTestManager(t, Config{InactivityThreshold: time.Hour})
	ctx := context.Background()

	now := types.Millis(clock.t)
	old := now - 2*time.Hour.Milliseconds()
	rooms := map[string]types.RoomMeta{
		"IDLE1":  {CreatedAt: old, OwnerId: "a", LastActivity: old},
		"BUSY1":  {CreatedAt: old, OwnerId: "b", LastActivity: now - time.Minute.Milliseconds()},
		"MINE1":  {CreatedAt: old, OwnerId: "c", LastActivity: old},
		"FRESH1": {CreatedAt: now, OwnerId: "d"},
	}
	for code, meta := range rooms {
		require.NoError(t, s.Write(ctx, types.MetaPath(code), meta))
	}
	require.NoError(t, s.Write(ctx, "rooms/ORPHAN1/participants/x/name", "ghost"))
	blobs.Put("rooms/IDLE1/a.jpg", nil)

	collected, err := m.CollectGarbage(ctx, "MINE1")
	require.NoError(t, err)
	sort.Strings(collected)
	assert.Equal(t, []string{"IDLE1", "ORPHAN1"}, collected)

	for _, code := range []string{"BUSY1", "MINE1", "FRESH1"} {
		_, err := s.Read(ctx, types.RoomPath(code))
		assert.NoError(t, err, "expected %s to survive", code)
	}
	refs, _ := blobs.List(ctx, "rooms/IDLE1/")
	assert.Empty(t, refs)
}

func TestCollectGarbageEmptyStore(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	collected, err := m.CollectGarbage(context.Background(), "")
	assert.NoError(t, err)
	assert.Empty(t, collected)
}
