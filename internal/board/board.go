// Package board implements the process-wide board registry and per-board
// roster/history/fan-out engine: the part of the system the original Rust
// core split across server.rs's Server and Board types.
package board

import (
	"fmt"
	"sync"

	"whiteboard/server/internal/codec"
	"whiteboard/server/internal/protocol"
)

// Client is the board-facing view of a connected peer. Implementations
// live in internal/conn, adapting a transport's own connection type into
// this interface.
type Client interface {
	// SendFrame delivers one pre-encoded wire frame to the peer. A
	// non-nil error marks the peer dead; the board evicts it and
	// synthesizes a UserLeave on the next broadcast that reaches it.
	SendFrame(data []byte) error
}

type rosterEntry struct {
	id       uint8
	username string
	client   Client
}

// Board is a single whiteboard session: its roster, its fixed palette and
// background, and its append-only history of drawing frames.
type Board struct {
	mu sync.RWMutex

	name       string
	templateID uint64

	palette    protocol.Palette
	background uint8
	flags      protocol.BoardFlags

	historySize uint16 // retention bound; 0 disables history entirely
	history     []byte

	roster       []rosterEntry
	nextClientID uint8
}

// New creates a board with the default palette and history enabled, per
// original_source/src/server.rs's Board::new.
func New(name string, templateID uint64) *Board {
	return &Board{
		name:        name,
		templateID:  templateID,
		palette:     protocol.DefaultPalette,
		background:  0,
		flags:       protocol.HistoryEnabled,
		historySize: 1<<16 - 1, // u16::MAX equivalent
	}
}

// Name returns the board's registry key.
func (b *Board) Name() string { return b.name }

// TemplateID returns the template the board was created with. The core
// never interprets this value; it is recorded purely for introspection
// (see SPEC_FULL.md's supplemented Create.template_id feature).
func (b *Board) TemplateID() uint64 { return b.templateID }

// Stats is a read-only snapshot for introspection (internal/adminapi).
type Stats struct {
	Name        string
	TemplateID  uint64
	ClientCount int
	HistoryLen  int
	HistorySize uint16
	Flags       protocol.BoardFlags
}

// Stats snapshots the board's current roster size, history length, and
// flags.
func (b *Board) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Name:        b.name,
		TemplateID:  b.templateID,
		ClientCount: len(b.roster),
		HistoryLen:  len(b.history),
		HistorySize: b.historySize,
		Flags:       b.flags,
	}
}

// AddClient assigns client a board_client_id, announces it to the current
// roster, appends it, then sends BoardConfiguration and a chunked replay
// of history — in that exact order, matching
// original_source/src/server.rs's Board::add_client. It returns the
// assigned id.
func (b *Board) AddClient(client Client, username string) (uint8, error) {
	b.mu.Lock()

	id := b.nextClientID
	b.nextClientID++ // wraps mod 256; collisions after 256 lifetime
	// joiners are a documented known limitation (see SPEC_FULL.md's Open
	// Questions), not fixed here.

	join := protocol.UserJoin{UserID: id, Username: username}
	joinFrame, err := codec.Encode(join)
	if err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("board: encode UserJoin: %w", err)
	}

	// Snapshot the roster as it stood before the new client is added —
	// the new client must not receive its own UserJoin.
	targets := make([]rosterEntry, len(b.roster))
	copy(targets, b.roster)

	cfg := protocol.BoardConfiguration{
		Palette:     b.palette,
		Background:  b.background,
		BoardFlags:  b.flags,
		HistorySize: b.historySize,
	}
	cfgFrame, err := codec.Encode(cfg)
	if err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("board: encode BoardConfiguration: %w", err)
	}

	history := make([]byte, len(b.history))
	copy(history, b.history)

	b.roster = append(b.roster, rosterEntry{id: id, username: username, client: client})
	b.mu.Unlock()

	b.broadcastFrame(joinFrame, targets)

	if err := client.SendFrame(cfgFrame); err != nil {
		return id, fmt.Errorf("board: send BoardConfiguration: %w", err)
	}

	for len(history) > 0 {
		n := len(history)
		if n > protocol.HistoryReplayChunk {
			n = protocol.HistoryReplayChunk
		}
		chunk := history[:n]
		history = history[n:]
		frame, err := codec.Encode(protocol.History{Data: chunk})
		if err != nil {
			return id, fmt.Errorf("board: encode History chunk: %w", err)
		}
		if err := client.SendFrame(frame); err != nil {
			return id, fmt.Errorf("board: send History chunk: %w", err)
		}
	}

	return id, nil
}

// RemoveClient evicts id from the roster, if present, and broadcasts a
// UserLeave. Broadcast already evicts peers lazily when a send fails;
// RemoveClient covers the graceful-disconnect path, where a connection's
// read loop ends without ever producing a failed send.
func (b *Board) RemoveClient(id uint8) {
	b.mu.Lock()
	if !b.removeLocked(id) {
		b.mu.Unlock()
		return
	}
	targets := make([]rosterEntry, len(b.roster))
	copy(targets, b.roster)
	b.mu.Unlock()

	leave := protocol.UserLeave{UserID: id}
	frame, err := codec.Encode(leave)
	if err != nil {
		return
	}
	b.broadcastFrame(frame, targets)
}

func (b *Board) removeLocked(id uint8) bool {
	for i, e := range b.roster {
		if e.id == id {
			b.roster = append(b.roster[:i], b.roster[i+1:]...)
			return true
		}
	}
	return false
}

// Broadcast delivers frame to every client currently on the roster. The
// roster is snapshotted once at entry: a client joining concurrently with
// an in-flight broadcast is not reached by it, only by the next one (see
// SPEC_FULL.md's Open Questions decision on this).
func (b *Board) Broadcast(frame []byte) {
	b.mu.RLock()
	targets := make([]rosterEntry, len(b.roster))
	copy(targets, b.roster)
	b.mu.RUnlock()

	b.broadcastFrame(frame, targets)
}

// broadcastFrame sends frame to targets, evicting and recursing once per
// dead peer found, matching original_source/src/server.rs's
// Board::broadcast.
func (b *Board) broadcastFrame(frame []byte, targets []rosterEntry) {
	var dead []rosterEntry
	for _, t := range targets {
		if err := t.client.SendFrame(frame); err != nil {
			dead = append(dead, t)
		}
	}
	if len(dead) == 0 {
		return
	}

	b.mu.Lock()
	for _, d := range dead {
		b.removeLocked(d.id)
	}
	remaining := make([]rosterEntry, len(b.roster))
	copy(remaining, b.roster)
	b.mu.Unlock()

	for _, d := range dead {
		leaveFrame, err := codec.Encode(protocol.UserLeave{UserID: d.id})
		if err != nil {
			continue
		}
		b.broadcastFrame(leaveFrame, remaining)
	}
}

// AddToHistory appends frame to the board's replay buffer, trimming the
// oldest bytes and setting HistoryTrimmed if the result exceeds
// HistorySize. A board with history disabled, or a zero HistorySize,
// discards the frame instead.
func (b *Board) AddToHistory(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flags&protocol.HistoryEnabled == 0 || b.historySize == 0 {
		return
	}
	b.history = append(b.history, frame...)
	if over := len(b.history) - int(b.historySize); over > 0 {
		b.history = b.history[over:]
		b.flags |= protocol.HistoryTrimmed
	}
}
