package session

import (
	"sort"
	"time"

	"github.com/npezzotti/roomsync/internal/types"
)

type EventKind string

const (
	// EventState carries a fresh snapshot after any local or remote change.
	EventState EventKind = "state"
	// EventMessage announces a message from another participant that is new
	// since the previous poll.
	EventMessage EventKind = "message"
	EventAlert   EventKind = "alert"
	// EventError reports an asynchronous write that was rolled back.
	EventError EventKind = "error"
	// EventClosed is always the last event of a session.
	EventClosed EventKind = "closed"
)

type Alert string

const (
	AlertPeriodExpiring     Alert = "period_expiring"
	AlertCapacityReached    Alert = "capacity_reached"
	AlertConnectionDegraded Alert = "connection_degraded"
	AlertConnectionRestored Alert = "connection_restored"
)

type Event struct {
	Kind     EventKind      `json:"kind"`
	At       int64          `json:"at"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
	Alert    Alert          `json:"alert,omitempty"`
	Detail   string         `json:"detail,omitempty"`
}

type PeriodStatus struct {
	Kind      types.WindowKind `json:"kind"`
	Count     int              `json:"count"`
	Remaining time.Duration    `json:"remaining"`
}

// Snapshot is a read-only copy of the session's view of the room.
type Snapshot struct {
	Room         string                   `json:"room"`
	Self         types.Participant        `json:"self"`
	OwnerId      string                   `json:"owner_id"`
	Settings     types.Settings           `json:"settings"`
	Timeline     []types.Message          `json:"timeline"`
	Participants []types.Participant      `json:"participants"`
	Queue        []types.WaitingItem      `json:"queue"`
	Attendance   []types.AttendanceRecord `json:"attendance"`
	Period       PeriodStatus             `json:"period"`
	Degraded     bool                     `json:"degraded"`
	Closed       bool                     `json:"closed"`
}

func sortedParticipants(live map[string]types.Participant) []types.Participant {
	out := make([]types.Participant, 0, len(live))
	for _, p := range live {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].Id < out[j].Id
	})
	return out
}
