// Package codec implements the wire encoding for whiteboard/server/internal/protocol
// messages: little-endian fixed-width integers, a single byte for bool, a
// u16 length prefix for strings and byte slices, and a one-byte variant tag
// ahead of each message's fields.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"whiteboard/server/internal/protocol"
)

// ErrTruncated indicates the input ended before a value could be fully read.
var ErrTruncated = errors.New("codec: truncated input")

// ErrInvalidBool indicates a bool byte was neither 0 nor 1.
var ErrInvalidBool = errors.New("codec: invalid bool byte")

// ErrInvalidUTF8 indicates a string field did not contain valid UTF-8.
var ErrInvalidUTF8 = errors.New("codec: invalid utf8 string")

// ErrTooLong indicates a string or byte slice exceeded the wire length limit.
var ErrTooLong = errors.New("codec: value exceeds 65535 bytes")

// ErrUnknownTag indicates a variant index with no corresponding Message type.
var ErrUnknownTag = errors.New("codec: unknown message tag")

// maxLen is the largest length a u16 prefix can carry.
const maxLen = 1<<16 - 1

// Writer accumulates an encoded message into a single growing byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteU16 appends v as two little-endian bytes.
func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU32 appends v as four little-endian bytes.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU64 appends v as eight little-endian bytes.
func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteBool appends a single byte, 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

// WriteString appends a u16 byte-length prefix followed by s's UTF-8 bytes.
// It fails if s is longer than 65535 bytes.
func (w *Writer) WriteString(s string) error {
	if len(s) > maxLen {
		return fmt.Errorf("%w: string length %d", ErrTooLong, len(s))
	}
	w.WriteU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteBytes appends a u16 length prefix followed by b. It fails if b is
// longer than 65535 bytes.
func (w *Writer) WriteBytes(b []byte) error {
	if len(b) > maxLen {
		return fmt.Errorf("%w: byte length %d", ErrTooLong, len(b))
	}
	w.WriteU16(uint16(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

// Reader consumes a byte slice sequentially, tracking position for
// bounds-checked reads.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) readRaw(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadU8 reads one byte.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.readRaw(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads two little-endian bytes.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.readRaw(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads four little-endian bytes.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.readRaw(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads eight little-endian bytes.
func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.readRaw(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadBool reads one byte and requires it to be 0 or 1.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidBool, v)
	}
}

// ReadBytes reads a u16 length prefix followed by that many raw bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU16()
	if err != nil {
		return nil, err
	}
	raw, err := r.readRaw(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// ReadString reads a u16 length prefix followed by that many bytes, and
// validates them as UTF-8.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	raw, err := r.readRaw(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", ErrInvalidUTF8
	}
	return string(raw), nil
}

// Encode writes msg's one-byte tag followed by its field encoding.
func Encode(msg protocol.Message) ([]byte, error) {
	w := NewWriter()
	w.WriteU8(uint8(msg.Tag()))
	if err := encodeBody(w, msg); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func encodeBody(w *Writer, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Auth:
		return w.WriteString(m.JWTToken)
	case protocol.Join:
		return w.WriteString(m.Name)
	case protocol.Create:
		w.WriteU64(m.TemplateID)
		return w.WriteString(m.Name)
	case protocol.BoardConfiguration:
		for _, c := range m.Palette {
			w.WriteU32(c)
		}
		w.WriteU8(m.Background)
		w.WriteU8(uint8(m.BoardFlags))
		w.WriteU16(m.HistorySize)
		return nil
	case protocol.Step:
		w.WriteU32(m.StepID)
		return nil
	case protocol.Draw:
		w.WriteU32(m.Position)
		w.WriteU8(m.Color)
		w.WriteU8(m.Flags)
		return nil
	case protocol.CursorMove:
		w.WriteU32(m.Position)
		w.WriteU8(m.UserID)
		return nil
	case protocol.Fill:
		w.WriteU32(m.Start)
		w.WriteU32(m.End)
		w.WriteU8(m.Color)
		return nil
	case protocol.Image:
		w.WriteU32(m.Start)
		w.WriteU32(m.End)
		return w.WriteString(m.URL)
	case protocol.Text:
		w.WriteU32(m.Center)
		if err := w.WriteString(m.Text); err != nil {
			return err
		}
		w.WriteU8(m.TextColor)
		return nil
	case protocol.Undo:
		w.WriteU32(m.LastActualStepID)
		return nil
	case protocol.Ping:
		w.WriteU64(m.Timestamp)
		return nil
	case protocol.UserJoin:
		w.WriteU8(m.UserID)
		return w.WriteString(m.Username)
	case protocol.UserLeave:
		w.WriteU8(m.UserID)
		return nil
	case protocol.ServerMessage:
		return w.WriteString(m.Message)
	case protocol.History:
		return w.WriteBytes(m.Data)
	default:
		return fmt.Errorf("codec: unsupported message type %T", msg)
	}
}

// Decode reads a one-byte tag followed by the corresponding message's
// fields, returning the concrete protocol.Message variant.
func Decode(data []byte) (protocol.Message, error) {
	r := NewReader(data)
	tagByte, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	tag := protocol.Tag(tagByte)
	if !tag.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tagByte)
	}
	return decodeBody(r, tag)
}

func decodeBody(r *Reader, tag protocol.Tag) (protocol.Message, error) {
	switch tag {
	case protocol.TagAuth:
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return protocol.Auth{JWTToken: s}, nil
	case protocol.TagJoin:
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return protocol.Join{Name: s}, nil
	case protocol.TagCreate:
		tid, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return protocol.Create{TemplateID: tid, Name: name}, nil
	case protocol.TagBoardConfiguration:
		var pal protocol.Palette
		for i := range pal {
			v, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			pal[i] = v
		}
		bg, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		flags, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		hs, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		return protocol.BoardConfiguration{
			Palette:     pal,
			Background:  bg,
			BoardFlags:  protocol.BoardFlags(flags),
			HistorySize: hs,
		}, nil
	case protocol.TagStep:
		v, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		return protocol.Step{StepID: v}, nil
	case protocol.TagDraw:
		pos, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		color, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		flags, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return protocol.Draw{Position: pos, Color: color, Flags: flags}, nil
	case protocol.TagCursorMove:
		pos, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		uid, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return protocol.CursorMove{Position: pos, UserID: uid}, nil
	case protocol.TagFill:
		start, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		end, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		color, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return protocol.Fill{Start: start, End: end, Color: color}, nil
	case protocol.TagImage:
		start, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		end, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		url, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return protocol.Image{Start: start, End: end, URL: url}, nil
	case protocol.TagText:
		center, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		text, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		color, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return protocol.Text{Center: center, Text: text, TextColor: color}, nil
	case protocol.TagUndo:
		v, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		return protocol.Undo{LastActualStepID: v}, nil
	case protocol.TagPing:
		v, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		return protocol.Ping{Timestamp: v}, nil
	case protocol.TagUserJoin:
		uid, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return protocol.UserJoin{UserID: uid, Username: name}, nil
	case protocol.TagUserLeave:
		uid, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return protocol.UserLeave{UserID: uid}, nil
	case protocol.TagServerMessage:
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return protocol.ServerMessage{Message: s}, nil
	case protocol.TagHistory:
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return protocol.History{Data: b}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}
