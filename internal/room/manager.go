// Package room creates, closes and garbage-collects room documents.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/roomsync/internal/blob"
	"github.com/npezzotti/roomsync/internal/presence"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCloseGrace          = 2 * time.Second
	DefaultInactivityThreshold = 2 * time.Hour
)

type Config struct {
	Capacity            map[types.Role]int
	Period              types.WindowKind
	PresenceTTL         time.Duration
	CloseGrace          time.Duration
	InactivityThreshold time.Duration
}

type Manager struct {
	store store.Store
	blobs blob.Store
	log   logrus.FieldLogger
	cfg   Config
	now   func() time.Time
}

var validate = validator.New()

func NewManager(s store.Store, blobs blob.Store, cfg Config, logger logrus.FieldLogger, now func() time.Time) *Manager {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = presence.DefaultTTL
	}
	if cfg.CloseGrace < 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = DefaultInactivityThreshold
	}
	if cfg.Period == "" {
		cfg.Period = types.WindowDaily
	}
	if now == nil {
		now = types.Now
	}
	return &Manager{
		store: s,
		blobs: blobs,
		log:   logger,
		cfg:   cfg,
		now:   now,
	}
}

// NormalizeCode upper-cases a room code and checks its shape.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := validate.Var(code, "required,alphanum,min=4,max=12"); err != nil {
		return "", newJoinError(ReasonInvalidCode, "room code must be 4 to 12 letters or digits")
	}
	return code, nil
}

// DefaultSettings returns the settings a new room starts with.
func (m *Manager) DefaultSettings() types.Settings {
	capacity := make(map[types.Role]int, len(m.cfg.Capacity))
	for r, n := range m.cfg.Capacity {
		capacity[r] = n
	}
	return types.Settings{
		Capacity: capacity,
		Period:   types.PeriodConfig{Kind: m.cfg.Period},
	}
}

// Load reads and decodes a room. ErrRoomNotFound means the room is absent.
func (m *Manager) Load(ctx context.Context, code string) (*Document, error) {
	raw, err := m.store.Read(ctx, types.RoomPath(code))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", code, err)
	}
	return decodeDocument(code, raw, m.DefaultSettings(), m.log)
}

type joinRequest struct {
	Name string     `validate:"required,max=32"`
	Role types.Role `validate:"required,oneof=owner dispatcher operator"`
}

// Joined is the result of a successful join.
type Joined struct {
	Doc     *Document
	Self    types.Participant
	Created bool
}

// Join admits a participant into the room, creating the room when a read
// shows it does not exist. Rejections are returned as *JoinError and leave
// the store untouched.
func (m *Manager) Join(ctx context.Context, code, name string, role types.Role) (*Joined, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}

	req := joinRequest{Name: strings.TrimSpace(name), Role: role}
	if err := validate.Struct(req); err != nil {
		return nil, joinValidationError(err)
	}

	doc, err := m.Load(ctx, code)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return m.create(ctx, code, req.Name)
	case err != nil:
		return nil, err
	}

	now := m.now()
	live := presence.Prune(doc.Participants, now, m.cfg.PresenceTTL).Live

	if req.Role == types.RoleOwner {
		return nil, newJoinError(ReasonOwnerTaken, "room %s already has an owner", code)
	}
	for _, p := range live {
		if strings.EqualFold(p.Name, req.Name) {
			return nil, newJoinError(ReasonNameTaken, "the name %q is already in use", req.Name)
		}
	}
	if limit := doc.Settings.Capacity[req.Role]; limit > 0 {
		n := 0
		for _, p := range live {
			if p.Role == req.Role {
				n++
			}
		}
		if n >= limit {
			return nil, newJoinError(ReasonRoomFull, "room %s has no free %s places", code, req.Role)
		}
	}

	self := newParticipant(req.Name, req.Role, now)
	notice := SystemMessage(fmt.Sprintf("%s joined", self.Name), types.Millis(now))
	err = m.store.Update(ctx, types.RoomPath(code), map[string]any{
		store.Join("participants", self.Id): self,
		store.Join("messages", notice.Id):   notice,
		"meta/last_activity":                types.Millis(now),
	})
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", code, err)
	}

	raw, _ := json.Marshal(self)
	doc.Participants[self.Id] = raw
	doc.Messages = append(doc.Messages, notice)
	doc.Meta.LastActivity = types.Millis(now)

	m.log.WithFields(logrus.Fields{
		"room":        code,
		"participant": self.Id,
		"role":        self.Role,
	}).Info("participant joined room")
	return &Joined{Doc: doc, Self: self}, nil
}

// create writes a complete room with the creator as owner in one call so a
// concurrent joiner never sees a partial room.
func (m *Manager) create(ctx context.Context, code, name string) (*Joined, error) {
	now := m.now()
	ms := types.Millis(now)

	self := newParticipant(name, types.RoleOwner, now)
	settings := m.DefaultSettings()
	settings.Period.Start = ms
	notice := SystemMessage(fmt.Sprintf("%s opened the room", self.Name), ms)

	r := types.Room{
		Code:         code,
		Meta:         types.RoomMeta{CreatedAt: ms, OwnerId: self.Id, LastActivity: ms},
		Settings:     settings,
		Messages:     map[string]types.Message{notice.Id: notice},
		Participants: map[string]types.Participant{self.Id: self},
	}
	if err := m.store.Write(ctx, types.RoomPath(code), r); err != nil {
		return nil, fmt.Errorf("create room %s: %w", code, err)
	}

	raw, _ := json.Marshal(self)
	doc := &Document{
		Code:         code,
		Meta:         r.Meta,
		Settings:     settings,
		Messages:     []types.Message{notice},
		Participants: map[string]json.RawMessage{self.Id: raw},
		Queue:        map[string]types.WaitingItem{},
		Attendance:   map[string]types.AttendanceRecord{},
	}

	m.log.WithFields(logrus.Fields{
		"room":        code,
		"participant": self.Id,
	}).Info("created room")
	return &Joined{Doc: doc, Self: self, Created: true}, nil
}

func joinValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return newJoinError(ReasonInvalidName, "%v", err)
	}
	switch verrs[0].Field() {
	case "Role":
		return newJoinError(ReasonInvalidRole, "role must be one of owner, dispatcher or operator")
	default:
		return newJoinError(ReasonInvalidName, "display name must be 1 to 32 characters")
	}
}

func newParticipant(name string, role types.Role, now time.Time) types.Participant {
	ms := types.Millis(now)
	return types.Participant{
		Id:       types.NewParticipantID(),
		Name:     name,
		Role:     role,
		JoinedAt: ms,
		LastSeen: ms,
	}
}

// SystemMessage builds a broadcast message not attributed to any participant.
func SystemMessage(text string, ts int64) types.Message {
	return types.Message{
		Id:         types.NewMessageID(ts),
		Text:       text,
		SenderName: "system",
		Timestamp:  ts,
		System:     true,
	}
}

// Leave removes a non-owner participant and posts a notice. An owner leaving
// closes the room.
func (m *Manager) Leave(ctx context.Context, code string, self types.Participant) error {
	if self.Role == types.RoleOwner {
		return m.Close(ctx, code, self.Id)
	}

	ms := types.Millis(m.now())
	notice := SystemMessage(fmt.Sprintf("%s left", self.Name), ms)
	err := m.store.Update(ctx, types.RoomPath(code), map[string]any{
		store.Join("participants", self.Id): nil,
		store.Join("messages", notice.Id):   notice,
		"meta/last_activity":                ms,
	})
	if err != nil {
		return fmt.Errorf("leave room %s: %w", code, err)
	}
	return nil
}

// Close broadcasts a final message, gives pollers closeGrace to see it and
// then deletes the room's blobs and document. Only the owner may close.
func (m *Manager) Close(ctx context.Context, code, ownerId string) error {
	doc, err := m.Load(ctx, code)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Meta.OwnerId != ownerId {
		return ErrNotOwner
	}

	notice := SystemMessage("The owner closed the room", types.Millis(m.now()))
	notice.Warning = true
	if err := m.store.Write(ctx, types.RoomPath(code, "messages", notice.Id), notice); err != nil {
		m.log.WithError(err).WithField("room", code).Warn("failed to broadcast room closure")
	}

	if m.cfg.CloseGrace > 0 {
		t := time.NewTimer(m.cfg.CloseGrace)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	// The room goes away even if ctx was cancelled during the grace period.
	return m.destroy(context.WithoutCancel(ctx), code)
}

func (m *Manager) destroy(ctx context.Context, code string) error {
	log := m.log.WithField("room", code)
	if m.blobs != nil {
		n, err := blob.DeletePrefix(ctx, m.blobs, types.BlobPrefix(code))
		if err != nil {
			log.WithError(err).Warn("failed to delete some room attachments")
		}
		if n > 0 {
			log.WithField("blobs", n).Debug("deleted room attachments")
		}
	}
	if err := m.store.Delete(ctx, types.RoomPath(code)); err != nil {
		return fmt.Errorf("delete room %s: %w", code, err)
	}
	log.Info("deleted room")
	return nil
}

// CollectGarbage deletes every room idle for longer than the inactivity
// threshold, except skip. Rooms without readable metadata are leftovers of
// an earlier delete and are collected too. It returns the deleted codes.
func (m *Manager) CollectGarbage(ctx context.Context, skip string) ([]string, error) {
	raw, err := m.store.Read(ctx, types.RoomsRoot)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan rooms: %w", err)
	}

	var rooms map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return nil, fmt.Errorf("scan rooms: %w", err)
	}

	cutoff := types.Millis(m.now()) - m.cfg.InactivityThreshold.Milliseconds()
	var collected []string
	for code, r := range rooms {
		if code == skip {
			continue
		}
		var w struct {
			Meta types.RoomMeta `json:"meta"`
		}
		if err := json.Unmarshal(r, &w); err == nil && w.Meta.CreatedAt > 0 {
			last := w.Meta.LastActivity
			if last == 0 {
				last = w.Meta.CreatedAt
			}
			if last >= cutoff {
				continue
			}
		}

		if err := m.destroy(ctx, code); err != nil {
			m.log.WithError(err).WithField("room", code).Warn("failed to collect idle room")
			continue
		}
		collected = append(collected, code)
	}
	return collected, nil
}
