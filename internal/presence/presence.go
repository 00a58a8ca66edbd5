// Package presence keeps the local participant's liveness signal fresh and
// evicts participants whose signal has lapsed.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/types"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is well above the heartbeat interval so one or two missed
// heartbeats never evict anyone.
const DefaultTTL = 30 * time.Second

type Tracker struct {
	store store.Store
	ttl   time.Duration
	log   logrus.FieldLogger
}

func NewTracker(s store.Store, ttl time.Duration, logger logrus.FieldLogger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: s, ttl: ttl, log: logger}
}

func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Heartbeat rewrites the participant's own record with a fresh LastSeen.
// Writing the whole record restores it if another participant pruned it.
// A heartbeat that lands after the room was closed leaves only this record
// behind; rooms without meta read as absent until GC removes them.
func (t *Tracker) Heartbeat(ctx context.Context, code string, p types.Participant, now time.Time) (types.Participant, error) {
	p.LastSeen = types.Millis(now)
	if err := t.store.Write(ctx, types.RoomPath(code, "participants", p.Id), p); err != nil {
		return p, fmt.Errorf("heartbeat %s: %w", p.Id, err)
	}
	return p, nil
}

// Pruned is the outcome of a prune pass.
type Pruned struct {
	Live    map[string]types.Participant
	Stale   []string
	Corrupt []string
}

// Removed returns every id that should be deleted from the store.
func (p Pruned) Removed() []string {
	out := append(append([]string{}, p.Stale...), p.Corrupt...)
	sort.Strings(out)
	return out
}

// Prune splits raw participant records into live ones and the ids to evict.
// Records that fail to decode or miss required fields count as corrupt.
func Prune(raw map[string]json.RawMessage, now time.Time, ttl time.Duration) Pruned {
	out := Pruned{Live: make(map[string]types.Participant, len(raw))}
	cutoff := types.Millis(now) - ttl.Milliseconds()

	for id, r := range raw {
		var p types.Participant
		if err := json.Unmarshal(r, &p); err != nil || !p.Valid() || p.Id != id {
			out.Corrupt = append(out.Corrupt, id)
			continue
		}
		if p.LastSeen < cutoff {
			out.Stale = append(out.Stale, id)
			continue
		}
		out.Live[id] = p
	}

	sort.Strings(out.Stale)
	sort.Strings(out.Corrupt)
	return out
}

// Sweep prunes raw and writes the eviction back so every other poller
// converges on the reduced set. selfId is never evicted; the next heartbeat
// refreshes it.
func (t *Tracker) Sweep(ctx context.Context, code string, raw map[string]json.RawMessage, now time.Time, selfId string) (Pruned, error) {
	pruned := Prune(raw, now, t.ttl)

	for _, id := range pruned.Corrupt {
		t.log.WithFields(logrus.Fields{
			"room":        code,
			"participant": id,
		}).Warn("dropping corrupt participant record")
	}

	fields := make(map[string]any)
	for _, id := range pruned.Removed() {
		if id == selfId {
			continue
		}
		fields[id] = nil
	}
	if len(fields) == 0 {
		return pruned, nil
	}

	if err := t.store.Update(ctx, types.ParticipantsPath(code), fields); err != nil {
		return pruned, fmt.Errorf("evict participants: %w", err)
	}
	t.log.WithFields(logrus.Fields{
		"room":    code,
		"evicted": len(fields),
	}).Info("evicted lapsed participants")
	return pruned, nil
}
