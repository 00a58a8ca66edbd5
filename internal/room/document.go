package room

import (
	"encoding/json"
	"fmt"

	"github.com/npezzotti/roomsync/internal/types"
	"github.com/sirupsen/logrus"
)

// Document is one polled room. Participants stay raw so presence pruning
// decides which records are usable.
type Document struct {
	Code         string
	Meta         types.RoomMeta
	Settings     types.Settings
	Messages     []types.Message
	Participants map[string]json.RawMessage
	Queue        map[string]types.WaitingItem
	Attendance   map[string]types.AttendanceRecord
}

type wireRoom struct {
	Meta         types.RoomMeta             `json:"meta"`
	Settings     json.RawMessage            `json:"settings"`
	Messages     map[string]json.RawMessage `json:"messages"`
	Participants map[string]json.RawMessage `json:"participants"`
	Queue        map[string]json.RawMessage `json:"queue"`
	Attendance   map[string]json.RawMessage `json:"attendance"`
}

// decodeDocument parses a room read from the store. A room without creation
// metadata is what is left behind when a late write lands after a delete; it
// is reported as ErrRoomNotFound. Malformed entries are dropped and logged.
func decodeDocument(code string, raw json.RawMessage, defaults types.Settings, log logrus.FieldLogger) (*Document, error) {
	var w wireRoom
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptRoom, code, err)
	}
	if w.Meta.CreatedAt == 0 || w.Meta.OwnerId == "" {
		return nil, ErrRoomNotFound
	}

	log = log.WithField("room", code)
	doc := &Document{
		Code:         code,
		Meta:         w.Meta,
		Settings:     defaults,
		Participants: w.Participants,
		Queue:        make(map[string]types.WaitingItem, len(w.Queue)),
		Attendance:   make(map[string]types.AttendanceRecord, len(w.Attendance)),
	}
	if doc.Participants == nil {
		doc.Participants = make(map[string]json.RawMessage)
	}

	if len(w.Settings) > 0 {
		var s types.Settings
		if err := json.Unmarshal(w.Settings, &s); err != nil {
			log.WithError(err).Warn("ignoring corrupt room settings")
		} else {
			doc.Settings = s
		}
	}

	for id, r := range w.Messages {
		var m types.Message
		if err := json.Unmarshal(r, &m); err != nil || m.Id != id || m.Timestamp == 0 {
			log.WithField("message", id).Warn("dropping corrupt message")
			continue
		}
		doc.Messages = append(doc.Messages, m)
	}

	for code, r := range w.Queue {
		var it types.WaitingItem
		if err := json.Unmarshal(r, &it); err != nil || it.Code != code {
			log.WithField("item", code).Warn("dropping corrupt waiting item")
			continue
		}
		doc.Queue[code] = it
	}

	for id, r := range w.Attendance {
		var rec types.AttendanceRecord
		if err := json.Unmarshal(r, &rec); err != nil || rec.Id != id {
			log.WithField("record", id).Warn("dropping corrupt attendance record")
			continue
		}
		doc.Attendance[id] = rec
	}

	return doc, nil
}
