package api

import (
	"fmt"
	"net/http"

	"github.com/npezzotti/roomsync/internal/session"
)

func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.WithError(panicError).Error("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

type sessionHandlerFunc func(http.ResponseWriter, *http.Request, *session.Session)

// withSession rejects the request with 404 unless a session is active.
func (s *App) withSession(next sessionHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.current()
		if sess == nil {
			errResp := NewNotFoundError()
			errResp.Message = "not in a room"
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		next(w, r, sess)
	}
}
