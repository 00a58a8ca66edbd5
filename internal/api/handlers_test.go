package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/blob"
	"github.com/npezzotti/roomsync/internal/config"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/testutil"
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, st store.Store, syncCfg session.Config) *App {
	t.Helper()
	logger, _ := testutil.TestLogger(t)
	rooms := room.NewManager(st, blob.NewMemoryStore(), room.Config{}, logger, nil)
	if syncCfg.PollInterval == 0 {
		syncCfg.PollInterval = 20 * time.Millisecond
	}
	deps := session.Deps{Store: st, Rooms: rooms, Logger: logger}
	app := NewApp(http.NewServeMux(), deps, syncCfg, config.ServerConfig{Addr: ":0"})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})
	return app
}

func do(t *testing.T, app *App, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf := &bytes.Buffer{}
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(buf).Encode(b))
	}

	req := httptest.NewRequest(method, target, buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.mux.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()
	var resp ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp), "expected an error body")
	return resp
}

func joinAsOwner(t *testing.T, app *App) session.Snapshot {
	t.Helper()
	rr := do(t, app, http.MethodPost, "/api/join", JoinRequest{Room: "room1", Name: "alice", Role: types.RoleOwner})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
	return snap
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name       string
		mockErr    error
		expectCode int
	}{
		{
			name:       "nothing stored yet",
			mockErr:    store.ErrNotFound,
			expectCode: http.StatusOK,
		},
		{
			name:       "store unreachable",
			mockErr:    errors.New("dial tcp: connection refused"),
			expectCode: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			st := &store.MockStore{}
			defer st.AssertExpectations(t)
			st.On("Read", mock.Anything, healthPath).Return(nil, tc.mockErr).Once()

			app := newTestApp(t, st, session.Config{})
			rr := do(t, app, http.MethodGet, "/healthz", nil)
			assert.Equal(t, tc.expectCode, rr.Code)
		})
	}
}

func Test_join(t *testing.T) {
	shared := store.NewMemoryStore()
	app := newTestApp(t, shared, session.Config{})

	t.Run("malformed body", func(t *testing.T) {
		rr := do(t, app, http.MethodPost, "/api/join", "{not json")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid code", func(t *testing.T) {
		rr := do(t, app, http.MethodPost, "/api/join", JoinRequest{Room: "x", Name: "alice", Role: types.RoleOwner})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, string(room.ReasonInvalidCode), decodeError(t, rr).Reason)
	})

	t.Run("creates the room", func(t *testing.T) {
		snap := joinAsOwner(t, app)
		assert.Equal(t, "ROOM1", snap.Room)
		assert.Equal(t, "alice", snap.Self.Name)
		assert.Equal(t, snap.Self.Id, snap.OwnerId)
	})

	t.Run("one session per process", func(t *testing.T) {
		rr := do(t, app, http.MethodPost, "/api/join", JoinRequest{Room: "room2", Name: "alice", Role: types.RoleOwner})
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "already in room ROOM1", decodeError(t, rr).Message)
	})

	t.Run("name taken in another process", func(t *testing.T) {
		other := newTestApp(t, shared, session.Config{})
		rr := do(t, other, http.MethodPost, "/api/join", JoinRequest{Room: "ROOM1", Name: "Alice", Role: types.RoleOperator})
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, string(room.ReasonNameTaken), decodeError(t, rr).Reason)

		rr = do(t, other, http.MethodPost, "/api/join", JoinRequest{Room: "ROOM1", Name: "bob", Role: types.RoleOperator})
		require.Equal(t, http.StatusCreated, rr.Code)
	})
}

// stallingStore holds the first room read until release is closed.
type stallingStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if strings.HasPrefix(path, types.RoomsRoot+"/") {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.Read(ctx, path)
}

func Test_joinDoesNotBlockOtherRequests(t *testing.T) {
	st := &stallingStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	app := newTestApp(t, st, session.Config{})

	body, err := json.Marshal(JoinRequest{Room: "room1", Name: "alice", Role: types.RoleOwner})
	require.NoError(t, err)
	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/join", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		app.mux.Handler.ServeHTTP(rr, req)
		done <- rr.Code
	}()
	<-st.entered

	rr := do(t, app, http.MethodGet, "/api/state", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, app, http.MethodPost, "/api/join", JoinRequest{Room: "room2", Name: "bob", Role: types.RoleOwner})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "in progress")

	close(st.release)
	assert.Equal(t, http.StatusCreated, <-done)

	rr = do(t, app, http.MethodGet, "/api/state", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func Test_withoutSession(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore(), session.Config{})

	tcases := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/state"},
		{http.MethodPost, "/api/messages"},
		{http.MethodPost, "/api/queue"},
		{http.MethodPost, "/api/queue/A1/resolve"},
		{http.MethodPatch, "/api/settings"},
		{http.MethodPost, "/api/leave"},
	}
	for _, tc := range tcases {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			rr := do(t, app, tc.method, tc.target, nil)
			assert.Equal(t, http.StatusNotFound, rr.Code)
			assert.Equal(t, "not in a room", decodeError(t, rr).Message)
		})
	}
}

func Test_sendMessage(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore(), session.Config{MessageBurst: 2, MessageRate: 0.001})
	joinAsOwner(t, app)

	rr := do(t, app, http.MethodPost, "/api/messages", MessageRequest{Text: "  hello  "})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var msg types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "alice", msg.SenderName)

	rr = do(t, app, http.MethodPost, "/api/messages", MessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, app, http.MethodPost, "/api/messages", MessageRequest{Text: "second"})
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(t, app, http.MethodPost, "/api/messages", MessageRequest{Text: "third"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "burst of two is spent")

	rr = do(t, app, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
	var texts []string
	for _, m := range snap.Timeline {
		texts = append(texts, m.Text)
	}
	assert.Contains(t, texts, "hello")
	assert.Contains(t, texts, "second")
	assert.NotContains(t, texts, "third")
}

func Test_sendAttachment(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore(), session.Config{})
	joinAsOwner(t, app)

	rr := do(t, app, http.MethodPost, "/api/attachments", AttachmentRequest{Kind: types.AttachmentPhoto, Ref: "rooms/OTHER/p1.jpg"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "blob must belong to the room")

	rr = do(t, app, http.MethodPost, "/api/attachments", AttachmentRequest{Kind: "video", Ref: "rooms/ROOM1/v.mp4"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, app, http.MethodPost, "/api/attachments", AttachmentRequest{Kind: types.AttachmentPhoto, Ref: "rooms/ROOM1/p1.jpg"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var msg types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, types.AttachmentPhoto, msg.Attachment.Kind)
}

func Test_queue(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore(), session.Config{})
	joinAsOwner(t, app)

	rr := do(t, app, http.MethodPost, "/api/queue", EnqueueRequest{Code: "A1"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var item types.WaitingItem
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&item))
	assert.Equal(t, "A1", item.Code)

	rr = do(t, app, http.MethodPost, "/api/queue", EnqueueRequest{Code: "A1"})
	assert.Equal(t, http.StatusConflict, rr.Code, "already waiting")

	rr = do(t, app, http.MethodPost, "/api/queue", EnqueueRequest{Code: "has space"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, app, http.MethodPost, "/api/queue/A1/resolve", types.Outcome{Kind: types.OutcomeAbandoned, Reason: types.ReasonOther})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "other needs a note")

	rr = do(t, app, http.MethodPost, "/api/queue/A1/resolve", types.Outcome{Kind: types.OutcomeSuccess, Value: 12})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var rec types.AttendanceRecord
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rec))
	assert.Equal(t, "A1", rec.Code)
	assert.Equal(t, 12.0, rec.Outcome.Value)

	rr = do(t, app, http.MethodPost, "/api/queue/A1/resolve", types.Outcome{Kind: types.OutcomeSuccess, Value: 12})
	assert.Equal(t, http.StatusConflict, rr.Code, "resolved twice")

	rr = do(t, app, http.MethodPost, "/api/queue/ZZ9/resolve", types.Outcome{Kind: types.OutcomeSuccess})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func Test_patchSettings(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore(), session.Config{})
	joinAsOwner(t, app)

	rr := do(t, app, http.MethodPatch, "/api/settings", map[string]any{"theme": "night"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var settings types.Settings
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&settings))
	assert.Equal(t, "night", settings.Theme)

	rr = do(t, app, http.MethodPatch, "/api/settings", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "empty patch")

	rr = do(t, app, http.MethodPatch, "/api/settings", map[string]any{"capacity": map[string]int{"owner": 2}})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "owner capacity is fixed")
}

func Test_leave(t *testing.T) {
	st := store.NewMemoryStore()
	app := newTestApp(t, st, session.Config{})
	joinAsOwner(t, app)

	rr := do(t, app, http.MethodPost, "/api/leave", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	assert.Eventually(t, func() bool {
		return do(t, app, http.MethodGet, "/api/state", nil).Code == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond, "expected the session to be released")

	_, err := st.Read(context.Background(), types.RoomPath("ROOM1"))
	assert.ErrorIs(t, err, store.ErrNotFound, "owner leaving closes the room")

	rr = do(t, app, http.MethodPost, "/api/join", JoinRequest{Room: "room1", Name: "alice", Role: types.RoleOwner})
	assert.Equal(t, http.StatusCreated, rr.Code, "a released process may join again")
}

func Test_serveWs(t *testing.T) {
	app := newTestApp(t, store.NewMemoryStore(), session.Config{})
	srv := httptest.NewServer(app.mux.Handler)
	defer srv.Close()

	joinAsOwner(t, app)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	next := func() session.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev session.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	first := next()
	assert.Equal(t, session.EventState, first.Kind)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, "ROOM1", first.Snapshot.Room)

	rr := do(t, app, http.MethodPost, "/api/messages", MessageRequest{Text: "over the wire"})
	require.Equal(t, http.StatusAccepted, rr.Code)

	for {
		ev := next()
		if ev.Kind != session.EventState || ev.Snapshot == nil {
			continue
		}
		found := false
		for _, m := range ev.Snapshot.Timeline {
			found = found || m.Text == "over the wire"
		}
		if found {
			break
		}
	}

	rr = do(t, app, http.MethodPost, "/api/leave", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	for {
		ev := next()
		if ev.Kind == session.EventClosed {
			assert.Equal(t, "left", ev.Detail)
			break
		}
	}
}

func Test_serveWsRejectsForeignOrigin(t *testing.T) {
	logger, _ := testutil.TestLogger(t)
	st := store.NewMemoryStore()
	deps := session.Deps{Store: st, Rooms: room.NewManager(st, blob.NewMemoryStore(), room.Config{}, logger, nil), Logger: logger}
	app := NewApp(http.NewServeMux(), deps, session.Config{}, config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}})
	srv := httptest.NewServer(app.mux.Handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
