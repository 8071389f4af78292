// Package conn implements the per-connection protocol state machine:
// Unauthenticated -> Authenticated -> InBoard, gating which messages are
// legal at each phase and dispatching in-board frames to internal/board.
package conn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"whiteboard/server/internal/auth"
	"whiteboard/server/internal/board"
	"whiteboard/server/internal/codec"
	"whiteboard/server/internal/protocol"
)

// Recorder persists ambient, non-canvas server state: board metadata and
// a connection audit log. internal/store.Store satisfies this. A nil
// Recorder is valid — the machine simply runs without persistence.
type Recorder interface {
	CreateBoard(ctx context.Context, name string, templateID uint64) error
	LogEvent(ctx context.Context, connID, boardName, event, detail string) error
}

// phase is the connection's position in the three-state machine. The
// fourth combination, (authenticated=false, inBoard=true), is never
// constructed — it is impossible per spec.md §4.2.
type phase struct {
	authenticated bool
	inBoard       bool
}

var (
	phaseUnauthenticated = phase{}
	phaseAuthenticated   = phase{authenticated: true}
	phaseInBoard         = phase{authenticated: true, inBoard: true}
)

// Sender is the transport-facing half of a connection.
type Sender interface {
	SendFrame(data []byte) error
}

// Machine drives one connection through the protocol state machine. It
// satisfies board.Client, so it can be handed directly to
// board.Board.AddClient.
type Machine struct {
	id       uuid.UUID
	sender   Sender
	authFn   auth.Func
	registry *board.Registry
	recorder Recorder
	log      *slog.Logger

	phase    phase
	user     auth.User
	b        *board.Board
	clientID uint8
}

// NewMachine starts a connection in the Unauthenticated phase. A nil
// authFn defaults to auth.Stub. A nil recorder disables persistence.
func NewMachine(sender Sender, authFn auth.Func, registry *board.Registry, recorder Recorder, log *slog.Logger) *Machine {
	if authFn == nil {
		authFn = auth.Stub
	}
	id := uuid.New()
	return &Machine{
		id:       id,
		sender:   sender,
		authFn:   authFn,
		registry: registry,
		recorder: recorder,
		log:      log.With("conn_id", id.String()),
		phase:    phaseUnauthenticated,
	}
}

// record appends an audit log entry, if a recorder is configured. Errors
// are logged but never fail the connection — the audit log is ambient,
// not load-bearing for protocol correctness.
func (m *Machine) record(event, boardName, detail string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.LogEvent(context.Background(), m.id.String(), boardName, event, detail); err != nil {
		m.log.Warn("audit log write failed", "event", event, "error", err)
	}
}

// ID is the connection's log-correlation identifier. It never appears on
// the wire.
func (m *Machine) ID() uuid.UUID { return m.id }

// SendFrame implements board.Client by delegating to the transport.
func (m *Machine) SendFrame(data []byte) error {
	return m.sender.SendFrame(data)
}

// HandleFrame decodes one wire frame and dispatches it according to the
// connection's current phase. A decode failure closes the connection with
// reason "invalid message", per spec.md §4.2.
func (m *Machine) HandleFrame(data []byte) error {
	msg, err := codec.Decode(data)
	if err != nil {
		return newCloseError(CloseDecodeError, "invalid message", fmt.Errorf("conn: decode frame: %w", err))
	}
	switch m.phase {
	case phaseUnauthenticated:
		return m.handleUnauthenticated(msg)
	case phaseAuthenticated:
		return m.handleAuthenticated(msg)
	default:
		return m.handleInBoard(msg)
	}
}

// Close releases the connection's board membership, if it had joined
// one, broadcasting a UserLeave to the rest of the roster.
func (m *Machine) Close() {
	if m.phase == phaseInBoard && m.b != nil {
		m.b.RemoveClient(m.clientID)
		m.record("leave", m.b.Name(), m.user.Username)
	}
}

func (m *Machine) handleUnauthenticated(msg protocol.Message) error {
	a, ok := msg.(protocol.Auth)
	if !ok {
		return newCloseError(CloseProtocol, "auth expected", fmt.Errorf("%w: expected Auth, got %s", ErrProtocol, msg.Tag()))
	}
	user, ok := m.authFn(a.JWTToken)
	if !ok {
		return newCloseError(CloseAuthRejected, "invalid auth", ErrAuthRejected)
	}
	m.user = user
	m.phase = phaseAuthenticated
	m.log.Info("client authenticated", "username", user.Username)
	m.record("auth", "", user.Username)
	return nil
}

func (m *Machine) handleAuthenticated(msg protocol.Message) error {
	switch t := msg.(type) {
	case protocol.Join:
		b, ok := m.registry.Find(t.Name)
		if !ok {
			return newCloseError(CloseNotFound, "board not found", fmt.Errorf("%w: %q", board.ErrNotFound, t.Name))
		}
		return m.enterBoard(b)
	case protocol.Create:
		b, err := m.registry.Create(t.Name, t.TemplateID)
		if err != nil {
			return newCloseError(CloseNameConflict, "board already exists", err)
		}
		if m.recorder != nil {
			if err := m.recorder.CreateBoard(context.Background(), t.Name, t.TemplateID); err != nil {
				m.log.Warn("board metadata persist failed", "board", t.Name, "error", err)
			}
		}
		return m.enterBoard(b)
	default:
		return newCloseError(CloseProtocol, "auth expected", fmt.Errorf("%w: already authenticated, got %s", ErrProtocol, msg.Tag()))
	}
}

func (m *Machine) enterBoard(b *board.Board) error {
	id, err := b.AddClient(m, m.user.Username)
	if err != nil {
		return newCloseError(CloseSendFailed, "send failed", fmt.Errorf("conn: add client to board: %w", err))
	}
	m.b = b
	m.clientID = id
	m.phase = phaseInBoard
	m.log.Info("client joined board", "board", b.Name(), "client_id", id)
	m.record("join", b.Name(), m.user.Username)
	return nil
}

func (m *Machine) handleInBoard(msg protocol.Message) error {
	switch t := msg.(type) {
	case protocol.Draw:
		return m.broadcastToBoard(t)
	case protocol.CursorMove:
		return m.broadcastToBoard(t)
	case protocol.Fill:
		return m.broadcastToBoard(t)
	case protocol.Image:
		return m.broadcastToBoard(t)
	case protocol.Text:
		return m.broadcastToBoard(t)
	case protocol.Ping, protocol.Step, protocol.Undo:
		return nil
	case protocol.Auth:
		return newCloseError(CloseProtocol, "already authenticated", fmt.Errorf("%w: already authenticated", ErrProtocol))
	case protocol.Join, protocol.Create:
		return newCloseError(CloseProtocol, "already joined a board", fmt.Errorf("%w: already joined a board", ErrProtocol))
	default:
		return newCloseError(CloseProtocol, "invalid atm", fmt.Errorf("%w: %s is server-to-client only", ErrProtocol, msg.Tag()))
	}
}

// broadcastToBoard re-encodes msg, appends it to the board's history
// (subject to the board's own retention rules), and fans it out to the
// roster. Used uniformly for Draw, CursorMove, Fill, Image and Text,
// matching original_source/src/client.rs's handle_in_board_msg dispatch.
// An encode failure here means a server-produced value violated the
// codec's own invariants — unreachable in practice, closed as "internal".
func (m *Machine) broadcastToBoard(msg protocol.Message) error {
	frame, err := codec.Encode(msg)
	if err != nil {
		return newCloseError(CloseInternal, "internal", fmt.Errorf("conn: encode %s: %w", msg.Tag(), err))
	}
	m.b.AddToHistory(frame)
	m.b.Broadcast(frame)
	return nil
}
