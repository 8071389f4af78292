package conn

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"whiteboard/server/internal/board"
	"whiteboard/server/internal/codec"
	"whiteboard/server/internal/protocol"
)

type fakeSender struct {
	frames [][]byte
}

func (f *fakeSender) SendFrame(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodeFrame(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	b, err := codec.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestUnauthenticatedOnlyAcceptsAuth(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())

	if err := m.HandleFrame(encodeFrame(t, protocol.Join{Name: "x"})); !errors.Is(err, ErrProtocol) {
		t.Errorf("Join before auth = %v, want ErrProtocol", err)
	}

	if err := m.HandleFrame(encodeFrame(t, protocol.Auth{JWTToken: "tok"})); err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if m.phase != phaseAuthenticated {
		t.Errorf("phase after valid auth = %+v, want Authenticated", m.phase)
	}
}

func TestAuthRejectedStaysUnauthenticated(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())

	err := m.HandleFrame(encodeFrame(t, protocol.Auth{JWTToken: ""}))
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("empty token auth = %v, want ErrAuthRejected", err)
	}
	if m.phase != phaseUnauthenticated {
		t.Errorf("phase after rejected auth = %+v, want Unauthenticated", m.phase)
	}
}

func TestAuthenticatedRejectsReauth(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m)

	if err := m.HandleFrame(encodeFrame(t, protocol.Auth{JWTToken: "again"})); !errors.Is(err, ErrProtocol) {
		t.Errorf("re-auth = %v, want ErrProtocol", err)
	}
}

func TestCreateThenJoinTransitionsToInBoard(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m)

	if err := m.HandleFrame(encodeFrame(t, protocol.Create{Name: "room", TemplateID: 1})); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.phase != phaseInBoard {
		t.Errorf("phase after Create = %+v, want InBoard", m.phase)
	}

	// A second connection joining the same board should also reach InBoard.
	joiner := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, joiner)
	if err := joiner.HandleFrame(encodeFrame(t, protocol.Join{Name: "room"})); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joiner.phase != phaseInBoard {
		t.Errorf("phase after Join = %+v, want InBoard", joiner.phase)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	registry := board.NewRegistry()
	m1 := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m1)
	if err := m1.HandleFrame(encodeFrame(t, protocol.Create{Name: "room"})); err != nil {
		t.Fatal(err)
	}

	m2 := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m2)
	if err := m2.HandleFrame(encodeFrame(t, protocol.Create{Name: "room"})); !errors.Is(err, board.ErrNameConflict) {
		t.Errorf("duplicate Create = %v, want ErrNameConflict", err)
	}
}

func TestJoinUnknownBoardFails(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m)
	if err := m.HandleFrame(encodeFrame(t, protocol.Join{Name: "nope"})); !errors.Is(err, board.ErrNotFound) {
		t.Errorf("Join unknown = %v, want ErrNotFound", err)
	}
}

func TestInBoardRejectsJoinAndCreate(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m)
	mustCreate(t, m, "room")

	if err := m.HandleFrame(encodeFrame(t, protocol.Join{Name: "room"})); !errors.Is(err, ErrProtocol) {
		t.Errorf("Join while in board = %v, want ErrProtocol", err)
	}
	if err := m.HandleFrame(encodeFrame(t, protocol.Create{Name: "other"})); !errors.Is(err, ErrProtocol) {
		t.Errorf("Create while in board = %v, want ErrProtocol", err)
	}
}

func TestInBoardRejectsServerToClientVariants(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m)
	mustCreate(t, m, "room")

	serverOnly := []protocol.Message{
		protocol.BoardConfiguration{},
		protocol.History{},
		protocol.ServerMessage{},
		protocol.UserJoin{},
		protocol.UserLeave{},
	}
	for _, msg := range serverOnly {
		if err := m.HandleFrame(encodeFrame(t, msg)); !errors.Is(err, ErrProtocol) {
			t.Errorf("%s while in board = %v, want ErrProtocol", msg.Tag(), err)
		}
	}
}

func TestInBoardSilentlyAcksPingStepUndo(t *testing.T) {
	registry := board.NewRegistry()
	m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, m)
	mustCreate(t, m, "room")

	silent := []protocol.Message{
		protocol.Ping{Timestamp: 1},
		protocol.Step{StepID: 1},
		protocol.Undo{LastActualStepID: 1},
	}
	for _, msg := range silent {
		if err := m.HandleFrame(encodeFrame(t, msg)); err != nil {
			t.Errorf("%s = %v, want nil", msg.Tag(), err)
		}
	}
}

func TestInBoardDrawBroadcastsToRoster(t *testing.T) {
	registry := board.NewRegistry()
	creator := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
	mustAuth(t, creator)
	mustCreate(t, creator, "room")

	peerSender := &fakeSender{}
	peer := NewMachine(peerSender, nil, registry, nil, testLogger())
	mustAuth(t, peer)
	if err := peer.HandleFrame(encodeFrame(t, protocol.Join{Name: "room"})); err != nil {
		t.Fatal(err)
	}
	peerSender.frames = nil

	if err := creator.HandleFrame(encodeFrame(t, protocol.Draw{Position: 1, Color: 2, Flags: 0})); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if len(peerSender.frames) != 1 {
		t.Fatalf("peer received %d frames, want 1", len(peerSender.frames))
	}
	decoded, err := codec.Decode(peerSender.frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded.(protocol.Draw); !ok {
		t.Errorf("peer frame = %T, want Draw", decoded)
	}
}

func TestCloseReasonsMatchSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		build      func() (*Machine, []byte)
		wantReason string
		wantCode   CloseCode
	}{
		{
			name: "unauthenticated non-auth",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				return m, encodeFrame(t, protocol.Join{Name: "x"})
			},
			wantReason: "auth expected",
			wantCode:   CloseProtocol,
		},
		{
			name: "auth rejected",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				return m, encodeFrame(t, protocol.Auth{JWTToken: ""})
			},
			wantReason: "invalid auth",
			wantCode:   CloseAuthRejected,
		},
		{
			name: "authenticated non join/create",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				mustAuth(t, m)
				return m, encodeFrame(t, protocol.Ping{Timestamp: 1})
			},
			wantReason: "auth expected",
			wantCode:   CloseProtocol,
		},
		{
			name: "join unknown board",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				mustAuth(t, m)
				return m, encodeFrame(t, protocol.Join{Name: "nope"})
			},
			wantReason: "board not found",
			wantCode:   CloseNotFound,
		},
		{
			name: "duplicate create",
			build: func() (*Machine, []byte) {
				registry := board.NewRegistry()
				first := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
				mustAuth(t, first)
				mustCreate(t, first, "room")
				m := NewMachine(&fakeSender{}, nil, registry, nil, testLogger())
				mustAuth(t, m)
				return m, encodeFrame(t, protocol.Create{Name: "room"})
			},
			wantReason: "board already exists",
			wantCode:   CloseNameConflict,
		},
		{
			name: "in-board reauth",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				mustAuth(t, m)
				mustCreate(t, m, "room")
				return m, encodeFrame(t, protocol.Auth{JWTToken: "again"})
			},
			wantReason: "already authenticated",
			wantCode:   CloseProtocol,
		},
		{
			name: "in-board rejoin",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				mustAuth(t, m)
				mustCreate(t, m, "room")
				return m, encodeFrame(t, protocol.Join{Name: "room"})
			},
			wantReason: "already joined a board",
			wantCode:   CloseProtocol,
		},
		{
			name: "in-board server-to-client variant",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				mustAuth(t, m)
				mustCreate(t, m, "room")
				return m, encodeFrame(t, protocol.ServerMessage{})
			},
			wantReason: "invalid atm",
			wantCode:   CloseProtocol,
		},
		{
			name: "decode error",
			build: func() (*Machine, []byte) {
				m := NewMachine(&fakeSender{}, nil, board.NewRegistry(), nil, testLogger())
				return m, []byte{99}
			},
			wantReason: "invalid message",
			wantCode:   CloseDecodeError,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, frame := c.build()
			err := m.HandleFrame(frame)
			var ce *CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("HandleFrame error = %v (%T), want *CloseError", err, err)
			}
			if ce.Reason != c.wantReason {
				t.Errorf("Reason = %q, want %q", ce.Reason, c.wantReason)
			}
			if ce.Code != c.wantCode {
				t.Errorf("Code = %q, want %q", ce.Code, c.wantCode)
			}
		})
	}
}

func mustAuth(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.HandleFrame(encodeFrame(t, protocol.Auth{JWTToken: "tok"})); err != nil {
		t.Fatalf("auth: %v", err)
	}
}

func mustCreate(t *testing.T, m *Machine, name string) {
	t.Helper()
	if err := m.HandleFrame(encodeFrame(t, protocol.Create{Name: name})); err != nil {
		t.Fatalf("create: %v", err)
	}
}
