package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// Role is the part a participant plays in a room. Each room has exactly one
// RoleOwner.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleDispatcher Role = "dispatcher"
	RoleOperator   Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleDispatcher, RoleOperator:
		return true
	}
	return false
}

type AttachmentKind string

const (
	AttachmentPhoto AttachmentKind = "photo"
	AttachmentAudio AttachmentKind = "audio"
)

func (k AttachmentKind) Valid() bool {
	return k == AttachmentPhoto || k == AttachmentAudio
}

type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
}

// Message is immutable once it has been written. Timestamp is in Unix
// milliseconds.
type Message struct {
	Id          string      `json:"id"`
	Text        string      `json:"text"`
	SenderId    string      `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	SenderRole  Role        `json:"sender_role"`
	Timestamp   int64       `json:"timestamp"`
	System      bool        `json:"system,omitempty"`
	Warning     bool        `json:"warning,omitempty"`
	PrivateTo   string      `json:"private_to,omitempty"`
	QueueNotice bool        `json:"queue_notice,omitempty"`
	ReplyTo     string      `json:"reply_to,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// VisibleTo reports whether the participant may see the message.
func (m Message) VisibleTo(participantId string) bool {
	return m.PrivateTo == "" || m.PrivateTo == participantId || m.SenderId == participantId
}

type Participant struct {
	Id         string   `json:"id"`
	Name       string   `json:"name"`
	Role       Role     `json:"role"`
	JoinedAt   int64    `json:"joined_at"`
	LastSeen   int64    `json:"last_seen"`
	Enqueued   int      `json:"enqueued"`
	Violations int      `json:"violations"`
	Badges     []string `json:"badges,omitempty"`
}

// Valid reports whether the record carries every required field.
func (p Participant) Valid() bool {
	return p.Id != "" && p.Name != "" && p.Role.Valid() && p.LastSeen > 0
}

type WaitingItem struct {
	Code         string `json:"code"`
	OriginatorId string `json:"originator_id"`
	EnqueuedAt   int64  `json:"enqueued_at"`
}

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeAbandoned OutcomeKind = "abandoned"
)

type AbandonReason string

const (
	ReasonNoShow    AbandonReason = "no_show"
	ReasonCancelled AbandonReason = "cancelled"
	ReasonDuplicate AbandonReason = "duplicate"
	ReasonOther     AbandonReason = "other"
)

func (r AbandonReason) Valid() bool {
	switch r {
	case ReasonNoShow, ReasonCancelled, ReasonDuplicate, ReasonOther:
		return true
	}
	return false
}

// Outcome is how a waiting item left the queue. Value is only meaningful for
// OutcomeSuccess; Reason and Note only for OutcomeAbandoned.
type Outcome struct {
	Kind   OutcomeKind   `json:"kind"`
	Value  float64       `json:"value,omitempty"`
	Reason AbandonReason `json:"reason,omitempty"`
	Note   string        `json:"note,omitempty"`
}

func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeSuccess:
		if o.Value < 0 {
			return fmt.Errorf("success value cannot be negative")
		}
		return nil
	case OutcomeAbandoned:
		if !o.Reason.Valid() {
			return fmt.Errorf("unknown abandon reason %q", o.Reason)
		}
		if o.Reason == ReasonOther && o.Note == "" {
			return fmt.Errorf("abandon reason %q requires a note", o.Reason)
		}
		return nil
	}
	return fmt.Errorf("unknown outcome %q", o.Kind)
}

type AttendanceRecord struct {
	Id           string  `json:"id"`
	Code         string  `json:"code"`
	OriginatorId string  `json:"originator_id"`
	EnqueuedAt   int64   `json:"enqueued_at"`
	Outcome      Outcome `json:"outcome"`
	ResolvedBy   string  `json:"resolved_by"`
	ResolvedAt   int64   `json:"resolved_at"`
}

type WindowKind string

const (
	WindowDaily   WindowKind = "daily"
	WindowWeekly  WindowKind = "weekly"
	WindowMonthly WindowKind = "monthly"
)

type PeriodConfig struct {
	Kind  WindowKind `json:"kind" yaml:"kind"`
	Start int64      `json:"start" yaml:"-"`
	Count int        `json:"count" yaml:"-"`
}

type Settings struct {
	Capacity map[Role]int       `json:"capacity,omitempty"`
	Prices   map[string]float64 `json:"prices,omitempty"`
	Theme    string             `json:"theme,omitempty"`
	Period   PeriodConfig       `json:"period"`
}

// SettingsPatch carries the fields of Settings a participant wants to change.
// Nil fields are left untouched.
type SettingsPatch struct {
	Capacity map[Role]int       `json:"capacity,omitempty"`
	Prices   map[string]float64 `json:"prices,omitempty"`
	Theme    *string            `json:"theme,omitempty"`
	Period   *WindowKind        `json:"period,omitempty"`
}

type RoomMeta struct {
	CreatedAt    int64  `json:"created_at"`
	OwnerId      string `json:"owner_id"`
	LastActivity int64  `json:"last_activity"`
}

type Room struct {
	Code         string                      `json:"-"`
	Meta         RoomMeta                    `json:"meta"`
	Settings     Settings                    `json:"settings"`
	Messages     map[string]Message          `json:"messages,omitempty"`
	Participants map[string]Participant      `json:"participants,omitempty"`
	Queue        map[string]WaitingItem      `json:"queue,omitempty"`
	Attendance   map[string]AttendanceRecord `json:"attendance,omitempty"`
}

var badgeThresholds = []struct {
	count int
	badge string
}{
	{10, "bronze"},
	{50, "silver"},
	{100, "gold"},
	{250, "platinum"},
}

// Badges returns the milestone badges earned for the given enqueued count.
func Badges(count int) []string {
	var out []string
	for _, t := range badgeThresholds {
		if count >= t.count {
			out = append(out, t.badge)
		}
	}
	return out
}

// NewMessageID returns an id whose lexical order matches ts order. The
// suffix keeps ids distinct for equal timestamps.
func NewMessageID(ts int64) string {
	suffix, err := shortid.Generate()
	if err != nil {
		suffix = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%013d-%s", ts, suffix)
}

func NewParticipantID() string {
	return uuid.NewString()
}

func NewRecordID(ts int64) string {
	return fmt.Sprintf("%013d-%s", ts, uuid.NewString()[:8])
}

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
