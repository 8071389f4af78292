// Package ws fronts a board.Registry with a gorilla/websocket listener,
// the primary duplex transport, modeled on the teacher's server.go and
// internal/ws/handler.go.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"whiteboard/server/internal/auth"
	"whiteboard/server/internal/board"
	"whiteboard/server/internal/conn"
)

const (
	// maxMessageSize bounds a single inbound frame, matching the read
	// limit internal/ws/handler.go applies to its JSON frames.
	maxMessageSize = 1 << 20
	writeTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts WebSocket connections and drives each through a
// conn.Machine against a shared board.Registry.
type Server struct {
	Addr        string
	Registry    *board.Registry
	AuthFunc    auth.Func
	Recorder    conn.Recorder
	Log         *slog.Logger
	IdleTimeout time.Duration

	// RateLimiterFor, if set, returns the accept-rate limiter for a
	// remote IP. This throttles connection acceptance; it does not gate
	// in-board message rates, which remain out of scope per spec.md's
	// Non-goals.
	RateLimiterFor func(ip string) *rate.Limiter

	httpSrv *http.Server
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpSrv = &http.Server{Addr: s.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.RateLimiterFor != nil {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if lim := s.RateLimiterFor(ip); lim != nil && !lim.Allow() {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	go s.serve(wsConn)
}

func (s *Server) serve(wsConn *websocket.Conn) {
	defer wsConn.Close()
	wsConn.SetReadLimit(maxMessageSize)

	sender := &frameSender{conn: wsConn}
	m := conn.NewMachine(sender, s.AuthFunc, s.Registry, s.Recorder, s.Log)
	defer m.Close()

	for {
		if s.IdleTimeout > 0 {
			wsConn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		// Text frames are rejected outright, per spec.md §6.
		if msgType != websocket.BinaryMessage {
			s.Log.Warn("rejecting non-binary frame", "conn_id", m.ID())
			closeWith(wsConn, conn.CloseInvalid, "expected binary")
			return
		}
		if err := m.HandleFrame(data); err != nil {
			s.Log.Warn("protocol error, closing connection", "conn_id", m.ID(), "error", err)
			var ce *conn.CloseError
			if errors.As(err, &ce) {
				closeWith(wsConn, ce.Code, ce.Reason)
			} else {
				closeWith(wsConn, conn.CloseInternal, "internal")
			}
			return
		}
	}
}

// closeWith sends a WebSocket close frame carrying code's numeric
// equivalent and reason as the close message payload, then lets the
// deferred wsConn.Close() tear down the TCP connection.
func closeWith(wsConn *websocket.Conn, code conn.CloseCode, reason string) {
	msg := websocket.FormatCloseMessage(wsCloseCode(code), reason)
	_ = wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// wsCloseCode maps a domain CloseCode onto the nearest RFC 6455 close
// code; spec.md treats the transport's own close signaling as external to
// the core, so this mapping is this server's own choice, not the wire
// contract (the reason string is the wire contract).
func wsCloseCode(code conn.CloseCode) int {
	switch code {
	case conn.CloseDecodeError, conn.CloseInvalid:
		return websocket.CloseUnsupportedData
	case conn.CloseProtocol:
		return websocket.CloseProtocolError
	case conn.CloseAuthRejected, conn.CloseNameConflict, conn.CloseNotFound:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// frameSender adapts a *websocket.Conn to conn.Sender. Writes are
// serialized: board broadcasts call SendFrame from goroutines other than
// this connection's own read loop.
type frameSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (f *frameSender) SendFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.BinaryMessage, data)
}
