package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/roomsync/internal/attendance"
	"github.com/npezzotti/roomsync/internal/period"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/types"
)

// SendMessage appends a text message to the local timeline and writes it in
// the background.
func (s *Session) SendMessage(text, replyTo string) (types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return types.Message{}, ErrMessageTooLong
	}
	return s.post(types.Message{Text: text, ReplyTo: replyTo})
}

// SendAttachmentMessage posts a reference to a blob stored under the room's
// prefix so closing the room removes it.
func (s *Session) SendAttachmentMessage(kind types.AttachmentKind, ref string) (types.Message, error) {
	if !kind.Valid() {
		return types.Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAttachment, kind)
	}
	if !strings.HasPrefix(ref, types.BlobPrefix(s.code)) || len(ref) == len(types.BlobPrefix(s.code)) {
		return types.Message{}, fmt.Errorf("%w: %q is not stored under this room", ErrInvalidAttachment, ref)
	}
	return s.post(types.Message{Attachment: &types.Attachment{Kind: kind, URL: ref}})
}

func (s *Session) post(m types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Message{}, ErrClosed
	}

	if !s.limiter.AllowN(s.now(), 1) {
		s.self.Violations++
		s.live[s.self.Id] = s.self
		fields := map[string]any{store.Join("participants", s.self.Id): s.self}
		s.dispatchLocked(fields, s.retry(fields))
		return types.Message{}, ErrRateLimited
	}

	m.SenderId = s.self.Id
	m.SenderName = s.self.Name
	m.SenderRole = s.self.Role
	m = s.appendLocalLocked(m)

	fields := map[string]any{store.Join("messages", m.Id): m}
	s.dispatchLocked(fields, s.retry(fields))
	s.publishLocked()
	s.stats.Incr(MetricMessagesSent)
	return m, nil
}

// appendLocalLocked stamps m and shows it in the timeline before any poll
// confirms it.
func (s *Session) appendLocalLocked(m types.Message) types.Message {
	m = s.engine.Compose(m)
	s.local = append(s.local, m)
	s.timeline = s.engine.Reconcile(s.local, s.remote).Timeline
	return m
}

func (s *Session) dropLocalLocked(id string) {
	for i, m := range s.local {
		if m.Id == id {
			s.local = append(s.local[:i], s.local[i+1:]...)
			break
		}
	}
	s.timeline = s.engine.Reconcile(s.local, s.remote).Timeline
}

// EnqueueItem adds a waiting item originated by this participant, bumps the
// participant's counter and badges and posts a queue notice.
func (s *Session) EnqueueItem(code string) (types.WaitingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.WaitingItem{}, ErrClosed
	}

	item, err := s.queue.Enqueue(code, s.self.Id)
	if err != nil {
		return types.WaitingItem{}, err
	}

	s.self.Enqueued++
	s.self.Badges = types.Badges(s.self.Enqueued)
	s.live[s.self.Id] = s.self

	notice := s.appendLocalLocked(types.Message{
		Text:        fmt.Sprintf("%s queued %s", s.self.Name, code),
		SenderId:    s.self.Id,
		SenderName:  s.self.Name,
		SenderRole:  s.self.Role,
		QueueNotice: true,
	})

	fields := map[string]any{
		store.Join("queue", code):             item,
		store.Join("participants", s.self.Id): s.self,
		store.Join("messages", notice.Id):     notice,
	}
	s.dispatchLocked(fields, s.retry(fields))
	s.publishLocked()
	s.stats.Incr(MetricItemsEnqueued)
	return item, nil
}

// ResolveItem moves a waiting item to its terminal outcome. While the write
// is in flight any other resolution of the same code fails with
// attendance.ErrResolutionInFlight. A failed write puts the item back.
func (s *Session) ResolveItem(code string, outcome types.Outcome) (types.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.AttendanceRecord{}, ErrClosed
	}

	res, err := s.queue.Begin(code, outcome, s.self.Id)
	if err != nil {
		return types.AttendanceRecord{}, err
	}
	rec := res.Record

	// a queued write that never landed must not bring the item back
	delete(s.outbox, store.Join("queue", code))

	notice := s.appendLocalLocked(types.Message{
		Text:        resolutionText(rec),
		SenderId:    s.self.Id,
		SenderName:  s.self.Name,
		SenderRole:  s.self.Role,
		QueueNotice: true,
	})

	fields := map[string]any{
		store.Join("queue", code):         nil,
		store.Join("attendance", rec.Id):  rec,
		store.Join("messages", notice.Id): notice,
	}
	s.dispatchLocked(fields, func(err error) {
		s.resolved(res, notice.Id, err)
	})
	s.publishLocked()
	return rec, nil
}

func (s *Session) resolved(res *attendance.Resolution, noticeId string, err error) {
	res.Done(err)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tallyLocked()
	if err != nil {
		s.log.WithError(err).WithField("item", res.Item.Code).Warn("resolution failed")
		s.dropLocalLocked(noticeId)
		s.emitLocked(Event{
			Kind:   EventError,
			Detail: fmt.Sprintf("could not resolve %s: %v", res.Item.Code, err),
		})
		s.publishLocked()
		return
	}

	s.stats.Incr(MetricItemsResolved)
	if res.Record.Outcome.Kind == types.OutcomeSuccess && !s.gone {
		s.checkAlertsLocked()
	}
	s.publishLocked()
}

// tallyLocked recounts the period from successful resolutions in the
// attendance log. Records live under their own ids, so resolutions made by
// different participants in the same poll interval all count.
func (s *Session) tallyLocked() {
	var times []time.Time
	for _, rec := range s.queue.Records() {
		if rec.Outcome.Kind == types.OutcomeSuccess {
			times = append(times, types.FromMillis(rec.ResolvedAt))
		}
	}
	s.counter.Tally(times)
}

func resolutionText(rec types.AttendanceRecord) string {
	if rec.Outcome.Kind == types.OutcomeSuccess {
		return fmt.Sprintf("%s attended", rec.Code)
	}
	return fmt.Sprintf("%s abandoned (%s)", rec.Code, rec.Outcome.Reason)
}

// SetRoomSettings applies a settings patch locally and merges it into the
// room in the background. It returns the settings as now shown locally.
func (s *Session) SetRoomSettings(patch types.SettingsPatch) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Settings{}, ErrClosed
	}

	next, changed, err := room.PatchSettings(s.settings, patch, s.now())
	if err != nil {
		return s.settings, err
	}
	s.settings = next
	if _, ok := changed["period"]; ok {
		if c, err := period.New(next.Period, s.now); err == nil {
			s.counter = c
			s.tallyLocked()
		}
	}

	now := s.now()
	fields := make(map[string]any, len(changed))
	for k, v := range changed {
		s.pendingSettings[k] = pendingSetting{value: v, at: now}
		fields[store.Join("settings", k)] = v
	}
	s.dispatchLocked(fields, s.retry(fields))
	s.checkAlertsLocked()
	s.publishLocked()
	return next, nil
}

// Leave ends the session. An owner leaving closes the room for everyone;
// anyone else removes only their own record. Loops stop at once; the store
// work finishes in the background and Wait returns when it is done.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed, s.leaving = true, true
	running := s.running
	s.mu.Unlock()

	s.loopCancel()
	go func() {
		if running {
			<-s.done
		}
		s.writes.Wait()

		s.mu.Lock()
		self := s.self
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()

		detail := "left"
		if err := s.rooms.Leave(ctx, s.code, self); err != nil {
			s.log.WithError(err).Warn("failed to leave room cleanly")
			detail = err.Error()
		}
		s.end(detail)
	}()
	return nil
}

// checkAlertsLocked raises derived alerts on their rising edge only.
func (s *Session) checkAlertsLocked() {
	var full []string
	for role, limit := range s.settings.Capacity {
		if limit <= 0 {
			continue
		}
		n := 0
		for _, p := range s.live {
			if p.Role == role {
				n++
			}
		}
		if n >= limit {
			full = append(full, string(role))
		}
	}
	sort.Strings(full)
	s.raiseLocked(AlertCapacityReached, len(full) > 0, strings.Join(full, ","))

	expiring := s.cfg.PeriodAlert > 0 && s.counter.Remaining() < s.cfg.PeriodAlert
	s.raiseLocked(AlertPeriodExpiring, expiring, string(s.counter.Config().Kind))
}

func (s *Session) raiseLocked(a Alert, active bool, detail string) {
	if active && !s.alerts[a] {
		s.emitLocked(Event{Kind: EventAlert, Alert: a, Detail: detail})
	}
	s.alerts[a] = active
}
