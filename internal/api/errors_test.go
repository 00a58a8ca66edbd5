package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/npezzotti/roomsync/internal/attendance"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/stretchr/testify/assert"
)

func TestErrorResponse(t *testing.T) {
	tcases := []struct {
		name       string
		err        error
		expectCode int
		reason     string
	}{
		{"name taken", &room.JoinError{Reason: room.ReasonNameTaken, Message: "taken"}, http.StatusConflict, "name_taken"},
		{"room full", &room.JoinError{Reason: room.ReasonRoomFull, Message: "full"}, http.StatusConflict, "room_full"},
		{"bad role", &room.JoinError{Reason: room.ReasonInvalidRole, Message: "role"}, http.StatusBadRequest, "invalid_role"},
		{"wrapped join error", fmt.Errorf("join: %w", &room.JoinError{Reason: room.ReasonOwnerTaken}), http.StatusConflict, "owner_taken"},
		{"empty message", session.ErrEmptyMessage, http.StatusBadRequest, ""},
		{"bad patch", fmt.Errorf("%w: nothing", room.ErrInvalidPatch), http.StatusBadRequest, ""},
		{"already queued", attendance.ErrAlreadyQueued, http.StatusConflict, ""},
		{"in flight", attendance.ErrResolutionInFlight, http.StatusConflict, ""},
		{"rate limited", session.ErrRateLimited, http.StatusTooManyRequests, ""},
		{"closed", session.ErrClosed, http.StatusNotFound, ""},
		{"not owner", room.ErrNotOwner, http.StatusForbidden, ""},
		{"store failure", errors.New("connection reset"), http.StatusInternalServerError, ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			resp := errorResponse(tc.err)
			assert.Equal(t, tc.expectCode, resp.StatusCode)
			assert.Equal(t, tc.reason, resp.Reason)
			assert.ErrorIs(t, resp, tc.err, "expected the cause to be kept")
		})
	}
}

func TestApiError_Error(t *testing.T) {
	assert.Equal(t, "not found", NewNotFoundError().Error())
	assert.Equal(t, "internal server error: boom", NewInternalServerError(errors.New("boom")).Error())
	assert.Equal(t, "conflict", NewConflictError("", "").Message)
}
