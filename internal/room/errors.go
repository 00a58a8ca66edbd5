package room

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound = errors.New("room: not found")
	ErrNotOwner     = errors.New("room: only the owner may close the room")
	ErrCorruptRoom  = errors.New("room: corrupt room document")
	ErrInvalidPatch = errors.New("room: invalid settings patch")
)

type JoinReason string

const (
	ReasonInvalidCode JoinReason = "invalid_code"
	ReasonInvalidName JoinReason = "invalid_name"
	ReasonInvalidRole JoinReason = "invalid_role"
	ReasonNameTaken   JoinReason = "name_taken"
	ReasonRoomFull    JoinReason = "room_full"
	ReasonOwnerTaken  JoinReason = "owner_taken"
)

// JoinError is a rejected join. Nothing was written when it is returned.
type JoinError struct {
	Reason  JoinReason `json:"reason"`
	Message string     `json:"message"`
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected (%s): %s", e.Reason, e.Message)
}

func newJoinError(reason JoinReason, format string, args ...any) *JoinError {
	return &JoinError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
