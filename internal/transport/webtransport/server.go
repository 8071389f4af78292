// Package webtransport fronts a board.Registry with a WebTransport
// (HTTP/3 + QUIC) listener: an alternate duplex transport alongside
// internal/transport/ws, modeled on the teacher's handleClient session
// flow in client.go.
package webtransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"whiteboard/server/internal/auth"
	"whiteboard/server/internal/board"
	"whiteboard/server/internal/conn"
)

// maxFrameLen bounds a single framed message read from a stream, guarding
// against a malicious or corrupt length prefix.
const maxFrameLen = 1 << 24

// Server accepts WebTransport sessions, accepts one client-opened
// bidirectional stream per session for protocol frames, and drives each through a
// conn.Machine against a shared board.Registry.
type Server struct {
	Addr      string
	TLSConfig *tls.Config
	Registry  *board.Registry
	AuthFunc  auth.Func
	Recorder  conn.Recorder
	Log       *slog.Logger

	wt *webtransport.Server
}

// Run starts the HTTP/3 listener and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/wt", s.handleSession)

	s.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      s.Addr,
			TLSConfig: s.TLSConfig,
			Handler:   mux,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.wt.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.wt.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.wt.Upgrade(w, r)
	if err != nil {
		s.Log.Warn("webtransport upgrade failed", "error", err)
		return
	}
	go s.serve(r.Context(), session)
}

func (s *Server) serve(ctx context.Context, session *webtransport.Session) {
	defer session.CloseWithError(0, "")

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		s.Log.Warn("webtransport accept stream failed", "error", err)
		return
	}
	defer stream.Close()

	sender := &frameSender{stream: stream}
	m := conn.NewMachine(sender, s.AuthFunc, s.Registry, s.Recorder, s.Log)
	defer m.Close()

	for {
		data, err := readFrame(stream)
		if err != nil {
			return
		}
		if err := m.HandleFrame(data); err != nil {
			s.Log.Warn("protocol error, closing session", "conn_id", m.ID(), "error", err)
			var ce *conn.CloseError
			if errors.As(err, &ce) {
				session.CloseWithError(wtCloseCode(ce.Code), ce.Reason)
			} else {
				session.CloseWithError(wtCloseCode(conn.CloseInternal), "internal")
			}
			return
		}
	}
}

// wtCloseCode maps a domain CloseCode onto a small application-defined
// WebTransport session error code. There is no standard numeric close
// code scheme for WebTransport the way RFC 6455 defines one for
// WebSocket, so this mapping is this server's own choice; the reason
// string carried alongside it is the wire contract spec.md names.
func wtCloseCode(code conn.CloseCode) webtransport.SessionErrorCode {
	switch code {
	case conn.CloseDecodeError, conn.CloseInvalid:
		return 1
	case conn.CloseProtocol:
		return 2
	case conn.CloseAuthRejected:
		return 3
	case conn.CloseNameConflict:
		return 4
	case conn.CloseNotFound:
		return 5
	case conn.CloseSendFailed:
		return 6
	default:
		return 9
	}
}

// frameSender adapts a WebTransport stream to conn.Sender using a u32
// big-endian length prefix ahead of each frame — streams, unlike
// WebSocket, carry no built-in message boundaries.
type frameSender struct {
	mu     sync.Mutex
	stream webtransport.Stream
}

func (f *frameSender) SendFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := f.stream.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.stream.Write(data)
	return err
}

func readFrame(stream webtransport.Stream) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, io.ErrShortBuffer
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
