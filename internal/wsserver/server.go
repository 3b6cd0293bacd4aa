// Package wsserver upgrades inbound HTTP connections to WebSocket and
// binds each one to a session actor, generalizing the teacher's
// request/response RPC framing into a long-lived per-connection loop.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabstir/llm-node/internal/logger"
	"github.com/fabstir/llm-node/internal/sessionactor"
)

// SessionFactory builds a fresh session actor for one new connection,
// wiring it to sender for outbound frames.
type SessionFactory func(sender sessionactor.Sender) *sessionactor.Session

// Server upgrades HTTP connections to WebSocket and drives one session
// actor per connection.
type Server struct {
	newSession   SessionFactory
	upgrader     websocket.Upgrader
	readTimeout  time.Duration
	writeTimeout time.Duration
	drainTimeout time.Duration
	log          logger.Logger

	connMu   sync.RWMutex
	sessions map[*websocket.Conn]*sessionactor.Session
}

// Config tunes connection-level timeouts.
type Config struct {
	ReadTimeout  time.Duration // default 60s
	WriteTimeout time.Duration // default 30s
	DrainTimeout time.Duration // default 5s, used when a connection drops mid-turn
}

// New creates a Server. newSession is called once per accepted
// connection.
func New(newSession SessionFactory, cfg Config, log logger.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Server{
		newSession: newSession,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Origin is not checked; connections are gated
				// only by the admission limiter (C9).
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		drainTimeout: cfg.DrainTimeout,
		log:          log,
		sessions:     make(map[*websocket.Conn]*sessionactor.Session),
	}
}

// Handler returns the http.Handler to mount at the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "websocket upgrade failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()

		sender := &connSender{conn: conn, writeTimeout: s.writeTimeout}
		session := s.newSession(sender)

		s.addConn(conn, session)
		defer s.removeConn(conn, session)

		s.serve(r.Context(), conn, session)
	})
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, session *sessionactor.Session) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logf("websocket read error", err)
			}
			return
		}

		if err := session.HandleFrame(ctx, raw); err != nil {
			s.logf("session frame handling failed, closing connection", err)
			return
		}
	}
}

func (s *Server) logf(msg string, err error) {
	if s.log != nil {
		s.log.Warn(msg, logger.Error(err))
	}
}

func (s *Server) addConn(conn *websocket.Conn, session *sessionactor.Session) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.sessions[conn] = session
}

func (s *Server) removeConn(conn *websocket.Conn, session *sessionactor.Session) {
	s.connMu.Lock()
	delete(s.sessions, conn)
	s.connMu.Unlock()

	session.Drain(s.drainTimeout)
}

// ConnectionCount returns the number of live WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.sessions)
}

// Shutdown drains every live session (up to timeout each, concurrently)
// and closes their connections. Used on graceful process shutdown.
func (s *Server) Shutdown(timeout time.Duration) {
	s.connMu.Lock()
	conns := make(map[*websocket.Conn]*sessionactor.Session, len(s.sessions))
	for c, sess := range s.sessions {
		conns[c] = sess
	}
	s.sessions = make(map[*websocket.Conn]*sessionactor.Session)
	s.connMu.Unlock()

	var wg sync.WaitGroup
	for conn, sess := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn, sess *sessionactor.Session) {
			defer wg.Done()
			sess.Drain(timeout)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
			_ = conn.Close()
		}(conn, sess)
	}
	wg.Wait()
}
