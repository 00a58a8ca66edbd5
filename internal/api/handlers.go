package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/types"
)

type JoinRequest struct {
	Room string     `json:"room"`
	Name string     `json:"name"`
	Role types.Role `json:"role"`
}

type MessageRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to"`
}

type AttachmentRequest struct {
	Kind types.AttachmentKind `json:"kind"`
	Ref  string               `json:"ref"`
}

type EnqueueRequest struct {
	Code string `json:"code"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("json encode")
	}
}

func (s *App) writeError(w http.ResponseWriter, err error) {
	errResp := errorResponse(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		errResp.Err = err
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// healthPath is never written; reading it round-trips to the store cheaply.
const healthPath = "health"

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.Read(r.Context(), healthPath); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).Error("health check failed")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *App) join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	switch {
	case s.sess != nil:
		code := s.sess.Code()
		s.mu.Unlock()
		errResp := NewConflictError("", "already in room "+code)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	case s.joining:
		s.mu.Unlock()
		errResp := NewConflictError("", "a join is already in progress")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	s.joining = true
	s.mu.Unlock()

	sess, err := session.Join(r.Context(), s.deps, s.syncCfg, req.Room, req.Name, req.Role)

	s.mu.Lock()
	s.joining = false
	if err == nil {
		s.attach(sess)
	}
	s.mu.Unlock()

	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusCreated, sess.Snapshot())
}

func (s *App) state(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	s.writeJson(w, http.StatusOK, sess.Snapshot())
}

func (s *App) sendMessage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg, err := sess.SendMessage(req.Text, req.ReplyTo)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, msg)
}

func (s *App) sendAttachment(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req AttachmentRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg, err := sess.SendAttachmentMessage(req.Kind, req.Ref)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, msg)
}

func (s *App) enqueue(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}

	item, err := sess.EnqueueItem(req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, item)
}

func (s *App) resolve(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var outcome types.Outcome
	if !s.decode(w, r, &outcome) {
		return
	}

	rec, err := sess.ResolveItem(r.PathValue("code"), outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, rec)
}

func (s *App) patchSettings(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var patch types.SettingsPatch
	if !s.decode(w, r, &patch) {
		return
	}

	settings, err := sess.SetRoomSettings(patch)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, settings)
}

func (s *App) leave(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Leave(); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, nil)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Error("upgrade connection")
		return
	}

	c := NewClient(conn, s, s.log)
	s.register(c)

	// new subscribers start from the current view
	if sess := s.current(); sess != nil {
		snap := sess.Snapshot()
		c.queueEvent(session.Event{Kind: session.EventState, At: types.Millis(types.Now()), Snapshot: &snap})
	}

	go c.Write()
	go c.Read()
}
