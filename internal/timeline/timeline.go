// Package timeline merges optimistic local messages with the polled remote
// history into one ordered view and detects messages worth notifying about.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/roomsync/internal/types"
)

// DefaultStaleAfter bounds how old a message may be and still count as new.
const DefaultStaleAfter = 10 * time.Second

type Result struct {
	// Timeline is every message visible to the local participant, ordered by
	// timestamp then id.
	Timeline []types.Message
	// Fresh holds the remote messages that became visible since the previous
	// reconciliation.
	Fresh []types.Message
	// Pending holds the local messages the remote history does not show yet.
	Pending []types.Message
}

type Engine struct {
	mu         sync.Mutex
	selfId     string
	staleAfter time.Duration
	now        func() time.Time
	// highWater is the newest timestamp already considered for notification.
	highWater int64
	// last is the newest timestamp known locally, used to stamp new messages.
	last int64
}

func NewEngine(selfId string, staleAfter time.Duration, now func() time.Time) *Engine {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now == nil {
		now = types.Now
	}
	return &Engine{
		selfId:     selfId,
		staleAfter: staleAfter,
		now:        now,
	}
}

// Reconcile unions local and remote keyed by id. Remote wins for any id it
// contains; local-only messages are writes in flight and stay in the view.
func (e *Engine) Reconcile(local, remote []types.Message) Result {
	byId := make(map[string]types.Message, len(remote)+len(local))
	for _, m := range remote {
		if m.Id == "" {
			continue
		}
		byId[m.Id] = m
	}

	var pending []types.Message
	for _, m := range local {
		if _, ok := byId[m.Id]; ok || m.Id == "" {
			continue
		}
		byId[m.Id] = m
		pending = append(pending, m)
	}

	merged := make([]types.Message, 0, len(byId))
	for _, m := range byId {
		if m.VisibleTo(e.selfId) {
			merged = append(merged, m)
		}
	}
	Sort(merged)
	Sort(pending)

	e.mu.Lock()
	defer e.mu.Unlock()

	if n := len(merged); n > 0 && merged[n-1].Timestamp > e.last {
		e.last = merged[n-1].Timestamp
	}

	return Result{
		Timeline: merged,
		Fresh:    e.detect(merged),
		Pending:  pending,
	}
}

// detect returns the qualifying messages above the high-water mark and
// advances the mark. Callers hold mu.
func (e *Engine) detect(merged []types.Message) []types.Message {
	now := types.Millis(e.now())
	stale := e.staleAfter.Milliseconds()
	newest := e.highWater

	var fresh []types.Message
	for _, m := range merged {
		if m.Timestamp <= e.highWater || m.SenderId == e.selfId || m.System {
			continue
		}
		if now-m.Timestamp >= stale {
			continue
		}
		fresh = append(fresh, m)
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}

	e.highWater = newest
	return fresh
}

// Stamp returns a timestamp for a new local message, strictly greater than
// every timestamp seen so far even if the clock stalls or runs backwards.
func (e *Engine) Stamp() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := types.Millis(e.now())
	if ts <= e.last {
		ts = e.last + 1
	}
	e.last = ts
	return ts
}

// Compose stamps m and assigns its id.
func (e *Engine) Compose(m types.Message) types.Message {
	m.Timestamp = e.Stamp()
	m.Id = types.NewMessageID(m.Timestamp)
	return m
}

func (e *Engine) HighWater() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highWater
}

// Sort orders messages by timestamp, breaking ties by id.
func Sort(msgs []types.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Id < msgs[j].Id
	})
}
