// Package session runs one participant's view of a room. It polls the room
// document, keeps the participant's presence alive, collects idle rooms when
// it holds the owner role and pushes local actions through as background
// writes that are reflected in the local view straight away.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/roomsync/internal/attendance"
	"github.com/npezzotti/roomsync/internal/period"
	"github.com/npezzotti/roomsync/internal/presence"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/timeline"
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrClosed            = errors.New("session: closed")
	ErrRateLimited       = errors.New("session: sending too fast")
	ErrEmptyMessage      = errors.New("session: message is empty")
	ErrMessageTooLong    = errors.New("session: message too long")
	ErrInvalidAttachment = errors.New("session: invalid attachment")

	errStopped = errors.New("session stopped")
)

const (
	MaxMessageLength = 2000

	writeTimeout = 10 * time.Second
	leaveTimeout = 30 * time.Second
	eventBuffer  = 64
)

// Metric names reported through stats.StatsProvider.
const (
	MetricActiveSessions = "active_sessions"
	MetricMessagesSent   = "messages_sent"
	MetricItemsEnqueued  = "items_enqueued"
	MetricItemsResolved  = "items_resolved"
	MetricPollFailures   = "poll_failures"
)

var Metrics = []string{
	MetricActiveSessions,
	MetricMessagesSent,
	MetricItemsEnqueued,
	MetricItemsResolved,
	MetricPollFailures,
}

type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	GCInterval        time.Duration
	StaleAfter        time.Duration
	// DegradedAfter is the number of consecutive failed polls after which
	// the connection is reported as degraded.
	DegradedAfter   int
	ResolveCooldown time.Duration
	PeriodAlert     time.Duration
	MessageRate     rate.Limit
	MessageBurst    int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 1500 * time.Millisecond
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 5
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 10
	}
}

// Deps are the collaborators a session runs against. Presence, Stats and Now
// are optional.
type Deps struct {
	Store    store.Store
	Rooms    *room.Manager
	Presence *presence.Tracker
	Stats    stats.StatsProvider
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// pendingSetting is a settings field changed locally and not yet seen in a
// poll.
type pendingSetting struct {
	value any
	at    time.Time
}

type pendingWrite struct {
	value any
	seq   uint64
}

type Session struct {
	code     string
	cfg      Config
	store    store.Store
	rooms    *room.Manager
	presence *presence.Tracker
	stats    stats.StatsProvider
	log      logrus.FieldLogger
	now      func() time.Time

	engine  *timeline.Engine
	queue   *attendance.Queue
	limiter *rate.Limiter

	mu       sync.Mutex
	self     types.Participant
	ownerId  string
	settings types.Settings
	counter  *period.Counter
	remote   []types.Message
	local    []types.Message
	timeline []types.Message
	live     map[string]types.Participant
	alerts   map[Alert]bool
	failures int
	degraded bool
	// outbox holds writes that failed; they are retried after the next
	// successful poll. Keys are paths relative to the room.
	outbox map[string]pendingWrite
	seq    uint64
	// settings fields shown locally until a poll confirms them
	pendingSettings map[string]pendingSetting

	running bool
	// closed rejects new actions. gone means the room vanished and nothing
	// may be written any more.
	closed       bool
	gone         bool
	leaving      bool
	closeReason  string
	eventsClosed bool
	events       chan Event

	writes      sync.WaitGroup
	writeCtx    context.Context
	writeCancel context.CancelFunc
	loopCtx     context.Context
	loopCancel  context.CancelFunc
	done        chan struct{}
	ended       chan struct{}
}

// Join admits the participant through the room manager and returns a session
// seeded with the room as read during the join. Call Run to start syncing.
func Join(ctx context.Context, deps Deps, cfg Config, code, name string, role types.Role) (*Session, error) {
	joined, err := deps.Rooms.Join(ctx, code, name, role)
	if err != nil {
		return nil, err
	}
	return newSession(deps, cfg, joined), nil
}

func newSession(deps Deps, cfg Config, joined *room.Joined) *Session {
	cfg.setDefaults()
	now := deps.Now
	if now == nil {
		now = types.Now
	}
	sp := deps.Stats
	if sp == nil {
		sp = stats.Discard{}
	}
	tracker := deps.Presence
	if tracker == nil {
		tracker = presence.NewTracker(deps.Store, 0, deps.Logger)
	}

	doc, self := joined.Doc, joined.Self
	s := &Session{
		code:     doc.Code,
		cfg:      cfg,
		store:    deps.Store,
		rooms:    deps.Rooms,
		presence: tracker,
		stats:    sp,
		log: deps.Logger.WithFields(logrus.Fields{
			"room":        doc.Code,
			"participant": self.Id,
		}),
		now:     now,
		engine:  timeline.NewEngine(self.Id, cfg.StaleAfter, now),
		queue:   attendance.NewQueue(cfg.ResolveCooldown, now),
		limiter: rate.NewLimiter(cfg.MessageRate, cfg.MessageBurst),
		self:    self,
		alerts:  make(map[Alert]bool),
		outbox:  make(map[string]pendingWrite),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),

		pendingSettings: make(map[string]pendingSetting),
	}
	s.writeCtx, s.writeCancel = context.WithCancel(context.Background())
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())

	counter, err := period.New(doc.Settings.Period, now)
	if err != nil {
		s.log.WithError(err).Warn("stored period is unusable, starting a daily window")
		counter, _ = period.New(types.PeriodConfig{Kind: types.WindowDaily}, now)
	}
	s.counter = counter

	live := presence.Prune(doc.Participants, now(), tracker.TTL()).Live
	s.mu.Lock()
	s.applyLocked(doc, live)
	s.publishLocked()
	s.mu.Unlock()

	s.stats.Incr(MetricActiveSessions)
	return s
}

func (s *Session) Code() string {
	return s.code
}

// Events returns the session's event stream. It is closed after the final
// EventClosed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Wait blocks until the session has ended.
func (s *Session) Wait() {
	<-s.ended
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Run drives the poll, heartbeat and garbage collection ticks until the room
// disappears, the participant leaves or ctx is cancelled. The three ticks run
// independently so a slow store call on one never delays the others.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.running = true
	s.mu.Unlock()
	defer s.finish()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.loopCtx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.every(ctx, s.cfg.PollInterval, s.poll) })
	g.Go(func() error { return s.every(ctx, s.cfg.HeartbeatInterval, s.heartbeat) })
	g.Go(func() error { return s.every(ctx, s.cfg.GCInterval, s.collect) })

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

func (s *Session) every(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	s.closed = true
	leaving := s.leaving
	reason := s.closeReason
	s.mu.Unlock()

	s.writes.Wait()
	close(s.done)
	if !leaving {
		if reason == "" {
			reason = "stopped"
		}
		s.end(reason)
	}
}

// end emits the final event and releases the session. Safe to call twice.
func (s *Session) end(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	s.closed = true

	snap := s.snapshotLocked()
	ev := Event{Kind: EventClosed, At: types.Millis(s.now()), Snapshot: &snap, Detail: detail}
	select {
	case s.events <- ev:
	default:
		// make room by dropping the oldest event; the close must be seen
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
	close(s.events)
	s.eventsClosed = true

	s.writeCancel()
	s.loopCancel()
	close(s.ended)
	s.stats.Decr(MetricActiveSessions)
	s.log.WithField("reason", detail).Info("session ended")
}

// poll reads the room and folds it into the local view. A missing room ends
// the session without any further write.
func (s *Session) poll(ctx context.Context) error {
	doc, err := s.rooms.Load(ctx, s.code)
	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStopped
	}
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		s.closed, s.gone = true, true
		s.closeReason = "room closed"
		s.mu.Unlock()
		s.log.Info("room no longer exists")
		return errStopped
	case err != nil:
		s.failures++
		if s.failures == s.cfg.DegradedAfter {
			s.degraded = true
			s.emitLocked(Event{Kind: EventAlert, Alert: AlertConnectionDegraded, Detail: err.Error()})
			s.publishLocked()
		}
		s.mu.Unlock()
		s.stats.Incr(MetricPollFailures)
		s.log.WithError(err).Warn("poll failed")
		return nil
	}
	if s.degraded {
		s.degraded = false
		s.emitLocked(Event{Kind: EventAlert, Alert: AlertConnectionRestored})
	}
	s.failures = 0
	selfId := s.self.Id
	s.mu.Unlock()

	now := s.now()
	pruned, err := s.presence.Sweep(ctx, s.code, doc.Participants, now, selfId)
	if err != nil {
		s.log.WithError(err).Warn("failed to write back evictions")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStopped
	}
	rolled := s.applyLocked(doc, pruned.Live)
	// A close that lands while this update is in flight leaves a partial
	// room behind. Load treats it as absent and GC removes it.
	fields := map[string]any{"meta/last_activity": types.Millis(now)}
	if s.ownerId == s.self.Id {
		s.periodFieldsLocked(fields, doc.Settings.Period, rolled)
	}
	retried := make(map[string]pendingWrite, len(s.outbox))
	for k, w := range s.outbox {
		retried[k] = w
		fields[k] = w.value
	}
	s.publishLocked()
	s.mu.Unlock()

	if err := s.store.Update(ctx, types.RoomPath(s.code), fields); err != nil {
		s.log.WithError(err).Warn("failed to refresh room activity")
		return nil
	}

	s.mu.Lock()
	for k, w := range retried {
		if cur, ok := s.outbox[k]; ok && cur.seq == w.seq {
			delete(s.outbox, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// applyLocked folds a polled room into the local state and reports whether
// the period counter rolled over.
func (s *Session) applyLocked(doc *room.Document, live map[string]types.Participant) bool {
	s.ownerId = doc.Meta.OwnerId
	s.settings = s.overlaySettingsLocked(doc.Settings)
	if err := s.counter.Adopt(s.settings.Period); err != nil {
		s.log.WithError(err).Warn("ignoring stored period")
	}
	rolled := s.counter.Rollover()

	s.remote = doc.Messages
	res := s.engine.Reconcile(s.local, s.remote)
	s.local = res.Pending
	s.timeline = res.Timeline

	s.queue.Sync(doc.Queue, doc.Attendance)
	s.tallyLocked()

	// the local record is authoritative for self; heartbeat restores it
	// remotely if someone pruned it
	live[s.self.Id] = s.self
	s.live = live

	for i := range res.Fresh {
		m := res.Fresh[i]
		s.emitLocked(Event{Kind: EventMessage, Message: &m})
	}
	s.checkAlertsLocked()
	return rolled
}

// periodFieldsLocked stores the owner's view of the period. The count is a
// projection of the attendance log, so only the owner writes it.
func (s *Session) periodFieldsLocked(fields map[string]any, stored types.PeriodConfig, rolled bool) {
	if _, ok := s.pendingSettings["period"]; ok {
		return
	}
	if _, ok := s.outbox["settings/period"]; ok {
		return
	}
	cfg := s.counter.Config()
	switch {
	case rolled:
		fields["settings/period"] = cfg
	case cfg.Start == stored.Start && cfg.Count != stored.Count:
		fields["settings/period/count"] = cfg.Count
	}
}

// overlaySettingsLocked keeps local settings changes visible until the
// remote shows them. An entry that never shows up, because another
// participant overwrote it, is given up once the write and two polls have
// had their chance.
func (s *Session) overlaySettingsLocked(remote types.Settings) types.Settings {
	if len(s.pendingSettings) == 0 {
		return remote
	}
	hold := writeTimeout + 2*s.cfg.PollInterval
	now := s.now()
	fields := make(map[string]any, len(s.pendingSettings))
	for k, p := range s.pendingSettings {
		if room.SettingApplied(remote, k, p.value) || now.Sub(p.at) > hold {
			delete(s.pendingSettings, k)
			continue
		}
		fields[k] = p.value
	}
	return room.OverlaySettings(remote, fields)
}

func (s *Session) heartbeat(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStopped
	}
	self := s.self
	s.mu.Unlock()

	p, err := s.presence.Heartbeat(ctx, s.code, self, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Debug("heartbeat failed")
		}
		return nil
	}

	s.mu.Lock()
	if !s.closed {
		s.self.LastSeen = p.LastSeen
		s.live[s.self.Id] = s.self
	}
	s.mu.Unlock()
	return nil
}

// collect runs garbage collection when this participant owns the room.
func (s *Session) collect(ctx context.Context) error {
	s.mu.Lock()
	owner := !s.closed && s.ownerId == s.self.Id
	s.mu.Unlock()
	if !owner {
		return nil
	}

	codes, err := s.rooms.CollectGarbage(ctx, s.code)
	if err != nil {
		s.log.WithError(err).Warn("garbage collection failed")
		return nil
	}
	if len(codes) > 0 {
		s.log.WithField("rooms", codes).Info("collected idle rooms")
	}
	return nil
}

// dispatchLocked merges fields below the room in the background. onDone
// receives the result unless the room vanished before the write was issued.
func (s *Session) dispatchLocked(fields map[string]any, onDone func(error)) {
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()

		s.mu.Lock()
		gone := s.gone
		s.mu.Unlock()
		if gone {
			return
		}

		ctx, cancel := context.WithTimeout(s.writeCtx, writeTimeout)
		defer cancel()
		err := s.store.Update(ctx, types.RoomPath(s.code), fields)
		if onDone != nil {
			onDone(err)
		}
	}()
}

// retry returns a completion callback that parks fields in the outbox when
// the write failed.
func (s *Session) retry(fields map[string]any) func(error) {
	return func(err error) {
		if err == nil {
			return
		}
		s.log.WithError(err).Warn("write failed, retrying after next poll")

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gone {
			return
		}
		for k, v := range fields {
			s.seq++
			s.outbox[k] = pendingWrite{value: v, seq: s.seq}
		}
	}
}

func (s *Session) emitLocked(ev Event) {
	if s.eventsClosed {
		return
	}
	ev.At = types.Millis(s.now())
	select {
	case s.events <- ev:
	default:
		s.log.WithField("kind", ev.Kind).Debug("event buffer full, dropping event")
	}
}

func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	s.emitLocked(Event{Kind: EventState, Snapshot: &snap})
}

func (s *Session) snapshotLocked() Snapshot {
	remaining := s.counter.Remaining()
	cfg := s.counter.Config()
	return Snapshot{
		Room:         s.code,
		Self:         s.self,
		OwnerId:      s.ownerId,
		Settings:     s.settings,
		Timeline:     append([]types.Message(nil), s.timeline...),
		Participants: sortedParticipants(s.live),
		Queue:        s.queue.Waiting(),
		Attendance:   s.queue.Records(),
		Period: PeriodStatus{
			Kind:      cfg.Kind,
			Count:     cfg.Count,
			Remaining: remaining,
		},
		Degraded: s.degraded,
		Closed:   s.closed,
	}
}
