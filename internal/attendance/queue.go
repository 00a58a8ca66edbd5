// Package attendance tracks the waiting queue and resolves its items.
//
// Each item is waiting until exactly one resolution moves it to success or
// abandoned. Within one process a resolution holds a per-code guard for its
// whole lifetime and a second attempt is rejected rather than queued. Two
// processes resolving the same code inside one poll interval are not
// prevented; the store keeps whichever write lands last.
package attendance

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/roomsync/internal/types"
)

var (
	ErrInvalidCode        = errors.New("attendance: malformed queue code")
	ErrAlreadyQueued      = errors.New("attendance: code is already waiting")
	ErrNotWaiting         = errors.New("attendance: code is not waiting")
	ErrResolutionInFlight = errors.New("attendance: resolution already in progress")
	ErrInvalidOutcome     = errors.New("attendance: invalid outcome")
)

// DefaultCooldown is how long a locally resolved code stays hidden while the
// remote queue still lists it.
const DefaultCooldown = 10 * time.Second

var codeRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,16}$`)

func ValidateCode(code string) error {
	if !codeRe.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return nil
}

type Queue struct {
	mu       sync.Mutex
	now      func() time.Time
	cooldown time.Duration

	remote         map[string]types.WaitingItem
	records        map[string]types.AttendanceRecord
	pendingItems   map[string]types.WaitingItem
	pendingRecords map[string]types.AttendanceRecord
	// tombstones hides codes resolved here until the remote queue drops them.
	tombstones map[string]time.Time
	inflight   map[string]struct{}
}

func NewQueue(cooldown time.Duration, now func() time.Time) *Queue {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = types.Now
	}
	return &Queue{
		now:            now,
		cooldown:       cooldown,
		remote:         make(map[string]types.WaitingItem),
		records:        make(map[string]types.AttendanceRecord),
		pendingItems:   make(map[string]types.WaitingItem),
		pendingRecords: make(map[string]types.AttendanceRecord),
		tombstones:     make(map[string]time.Time),
		inflight:       make(map[string]struct{}),
	}
}

// lookup returns the waiting item for code as currently visible. Callers
// hold mu.
func (q *Queue) lookup(code string) (types.WaitingItem, bool) {
	if _, ok := q.tombstones[code]; ok {
		return types.WaitingItem{}, false
	}
	if it, ok := q.pendingItems[code]; ok {
		return it, true
	}
	it, ok := q.remote[code]
	return it, ok
}

// Enqueue adds a waiting item optimistically. The caller writes it to the
// store and calls Forget if that fails for good.
func (q *Queue) Enqueue(code, originatorId string) (types.WaitingItem, error) {
	if err := ValidateCode(code); err != nil {
		return types.WaitingItem{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[code]; ok {
		return types.WaitingItem{}, ErrResolutionInFlight
	}
	if _, ok := q.lookup(code); ok {
		return types.WaitingItem{}, fmt.Errorf("%w: %q", ErrAlreadyQueued, code)
	}

	delete(q.tombstones, code)
	item := types.WaitingItem{
		Code:         code,
		OriginatorId: originatorId,
		EnqueuedAt:   types.Millis(q.now()),
	}
	q.pendingItems[code] = item
	return item, nil
}

// Forget drops an optimistic item.
func (q *Queue) Forget(code string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pendingItems, code)
}

// Resolution is an in-progress resolution holding the guard for its code.
type Resolution struct {
	q      *Queue
	Item   types.WaitingItem
	Record types.AttendanceRecord
	once   sync.Once
}

// Begin claims code for resolution and applies the outcome to the local view
// at once. The guard is held until Done is called.
func (q *Queue) Begin(code string, outcome types.Outcome, resolverId string) (*Resolution, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	if err := outcome.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[code]; ok {
		return nil, ErrResolutionInFlight
	}
	item, ok := q.lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotWaiting, code)
	}

	if outcome.Kind == types.OutcomeAbandoned {
		outcome.Value = 0
	} else {
		outcome.Reason, outcome.Note = "", ""
	}

	now := q.now()
	rec := types.AttendanceRecord{
		Id:           types.NewRecordID(types.Millis(now)),
		Code:         item.Code,
		OriginatorId: item.OriginatorId,
		EnqueuedAt:   item.EnqueuedAt,
		Outcome:      outcome,
		ResolvedBy:   resolverId,
		ResolvedAt:   types.Millis(now),
	}

	q.inflight[code] = struct{}{}
	q.tombstones[code] = now
	q.pendingRecords[rec.Id] = rec

	return &Resolution{q: q, Item: item, Record: rec}, nil
}

// Done releases the guard. A non-nil err means the resolution never reached
// the store, so the item goes back to waiting.
func (r *Resolution) Done(err error) {
	r.once.Do(func() {
		q := r.q
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.inflight, r.Item.Code)
		if err != nil {
			delete(q.tombstones, r.Item.Code)
			delete(q.pendingRecords, r.Record.Id)
		}
	})
}

// Sync replaces the remote view with the latest poll and retires local
// state the poll confirms.
func (q *Queue) Sync(items map[string]types.WaitingItem, records map[string]types.AttendanceRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if items == nil {
		items = make(map[string]types.WaitingItem)
	}
	if records == nil {
		records = make(map[string]types.AttendanceRecord)
	}
	q.remote = items
	q.records = records

	for id := range q.pendingRecords {
		if _, ok := records[id]; ok {
			delete(q.pendingRecords, id)
		}
	}

	resolved := make(map[string]struct{})
	for _, rec := range records {
		resolved[resolvedKey(rec.Code, rec.EnqueuedAt)] = struct{}{}
	}
	for code, it := range q.pendingItems {
		_, listed := items[code]
		_, done := resolved[resolvedKey(code, it.EnqueuedAt)]
		if listed || done {
			delete(q.pendingItems, code)
		}
	}

	now := q.now()
	for code, at := range q.tombstones {
		if _, ok := q.inflight[code]; ok {
			continue
		}
		if _, listed := items[code]; !listed || now.Sub(at) >= q.cooldown {
			delete(q.tombstones, code)
		}
	}
}

func resolvedKey(code string, enqueuedAt int64) string {
	return fmt.Sprintf("%s@%d", code, enqueuedAt)
}

// Waiting returns the visible waiting items, oldest first.
func (q *Queue) Waiting() []types.WaitingItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{})
	var out []types.WaitingItem
	add := func(it types.WaitingItem) {
		if _, ok := seen[it.Code]; ok {
			return
		}
		if _, ok := q.tombstones[it.Code]; ok {
			return
		}
		seen[it.Code] = struct{}{}
		out = append(out, it)
	}
	for _, it := range q.pendingItems {
		add(it)
	}
	for _, it := range q.remote {
		add(it)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt != out[j].EnqueuedAt {
			return out[i].EnqueuedAt < out[j].EnqueuedAt
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Records returns the attendance log including local resolutions not yet
// confirmed, oldest first.
func (q *Queue) Records() []types.AttendanceRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.AttendanceRecord, 0, len(q.records)+len(q.pendingRecords))
	for _, r := range q.records {
		out = append(out, r)
	}
	for id, r := range q.pendingRecords {
		if _, ok := q.records[id]; !ok {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ResolvedAt != out[j].ResolvedAt {
			return out[i].ResolvedAt < out[j].ResolvedAt
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// Resolving reports whether a resolution for code is in flight.
func (q *Queue) Resolving(code string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[code]
	return ok
}
