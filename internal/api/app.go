package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/roomsync/internal/config"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/sirupsen/logrus"
)

// App bridges a single participant's session to a local UI over HTTP and a
// websocket event stream. A process hosts at most one session at a time.
type App struct {
	log            logrus.FieldLogger
	mux            *http.Server
	deps           session.Deps
	syncCfg        session.Config
	stats          stats.StatsProvider
	allowedOrigins []string

	mu        sync.Mutex
	sess      *session.Session
	runCancel context.CancelFunc
	// joining reserves the session slot while a join talks to the store
	joining bool

	clientsLock sync.RWMutex
	clients     map[*Client]struct{}
}

func NewApp(mux *http.ServeMux, deps session.Deps, syncCfg session.Config, cfg config.ServerConfig) *App {
	sp := deps.Stats
	if sp == nil {
		sp = stats.Discard{}
	}
	s := &App{
		log:            deps.Logger,
		deps:           deps,
		syncCfg:        syncCfg,
		stats:          sp,
		allowedOrigins: cfg.AllowedOrigins,
		clients:        make(map[*Client]struct{}),
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/join", s.join)
	mux.HandleFunc("GET /api/state", s.withSession(s.state))
	mux.HandleFunc("POST /api/messages", s.withSession(s.sendMessage))
	mux.HandleFunc("POST /api/attachments", s.withSession(s.sendAttachment))
	mux.HandleFunc("POST /api/queue", s.withSession(s.enqueue))
	mux.HandleFunc("POST /api/queue/{code}/resolve", s.withSession(s.resolve))
	mux.HandleFunc("PATCH /api/settings", s.withSession(s.patchSettings))
	mux.HandleFunc("POST /api/leave", s.withSession(s.leave))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)
	h = handlers.CombinedLoggingHandler(s.log.WithField("component", "http").WriterLevel(logrus.DebugLevel), h)
	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *App) Start() error {
	s.log.Infof("starting server on %s", s.mux.Addr)
	return s.mux.ListenAndServe()
}

// Shutdown leaves the active room, if any, and stops the HTTP server.
func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")

	if sess := s.current(); sess != nil {
		if err := sess.Leave(); err == nil {
			done := make(chan struct{})
			go func() {
				sess.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				s.log.Warn("gave up waiting for the session to leave")
			}
		}
	}

	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	s.closeClients()

	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *App) current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// attach makes sess the active session and starts its loops and event pump.
// The caller holds s.mu.
func (s *App) attach(sess *session.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.sess, s.runCancel = sess, cancel

	go func() {
		if err := sess.Run(ctx); err != nil {
			s.log.WithError(err).WithField("room", sess.Code()).Error("session stopped")
		}
	}()
	go s.pump(sess)
}

// pump fans the session's events out to connected websocket clients and
// releases the session once its stream closes.
func (s *App) pump(sess *session.Session) {
	for ev := range sess.Events() {
		s.broadcast(ev)
	}

	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
		s.runCancel()
		s.runCancel = nil
	}
	s.mu.Unlock()
}

func (s *App) broadcast(ev session.Event) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()
	for c := range s.clients {
		c.queueEvent(ev)
	}
}

func (s *App) register(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	s.clients[c] = struct{}{}
}

func (s *App) deregister(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	delete(s.clients, c)
}

func (s *App) closeClients() {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	for c := range s.clients {
		c.stopClient()
		delete(s.clients, c)
	}
}
