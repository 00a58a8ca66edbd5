package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/roomsync/internal/attendance"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/session"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

func NewConflictError(reason, message string) *ApiError {
	if message == "" {
		message = lower(http.StatusText(http.StatusConflict))
	}
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    message,
		Reason:     reason,
	}
}

func NewTooManyRequestsError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusTooManyRequests,
		Message:    lower(http.StatusText(http.StatusTooManyRequests)),
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    lower(http.StatusText(http.StatusServiceUnavailable)),
		Err:        err,
	}
}

// errorResponse maps a domain error to the response the UI receives.
// Client mistakes carry the error text so the UI can show it.
func errorResponse(err error) *ApiError {
	var joinErr *room.JoinError
	if errors.As(err, &joinErr) {
		resp := NewConflictError(string(joinErr.Reason), joinErr.Message)
		switch joinErr.Reason {
		case room.ReasonInvalidCode, room.ReasonInvalidName, room.ReasonInvalidRole:
			resp.StatusCode = http.StatusBadRequest
		}
		resp.Err = err
		return resp
	}

	var resp *ApiError
	switch {
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrMessageTooLong),
		errors.Is(err, session.ErrInvalidAttachment),
		errors.Is(err, attendance.ErrInvalidCode),
		errors.Is(err, attendance.ErrInvalidOutcome),
		errors.Is(err, room.ErrInvalidPatch):
		resp = NewBadRequestError()
		resp.Message = err.Error()
	case errors.Is(err, attendance.ErrAlreadyQueued),
		errors.Is(err, attendance.ErrNotWaiting),
		errors.Is(err, attendance.ErrResolutionInFlight):
		resp = NewConflictError("", err.Error())
	case errors.Is(err, session.ErrRateLimited):
		resp = NewTooManyRequestsError()
	case errors.Is(err, session.ErrClosed), errors.Is(err, room.ErrRoomNotFound):
		resp = NewNotFoundError()
	case errors.Is(err, room.ErrNotOwner):
		resp = NewForbiddenError()
	default:
		return NewInternalServerError(err)
	}
	resp.Err = err
	return resp
}
