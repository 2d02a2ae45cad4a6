// Package frame implements the bit-exact client-socket wire format: a
// one-time session header followed by a stream of fixed-header framed
// messages. The encode/decode split mirrors a fixed-header RPC style,
// generalized to this binary layout instead of a protobuf-framed stream.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nodestep/stepd/internal/errs"
)

// SignatureSize is the fixed authentication signature length in the session
// header.
const SignatureSize = 128

// Type enumerates the framed-message stream types.
type Type uint16

const (
	Stdout        Type = 0
	Stderr        Type = 1
	StdinTargeted Type = 2
	StdinBroad    Type = 3
)

func (t Type) String() string {
	switch t {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case StdinTargeted:
		return "stdin"
	case StdinBroad:
		return "all-stdin"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// HeaderSize is the fixed size, in bytes, of a framed-message header:
// type(2) + local-task-id(2) + global-task-id(4) + payload-length(4).
const HeaderSize = 2 + 2 + 4 + 4

// SessionHeader is written once per new client, before any framed message.
type SessionHeader struct {
	Signature [SignatureSize]byte
	NodeIndex uint32
}

// EncodeSessionHeader writes the session header to w.
func EncodeSessionHeader(w io.Writer, h SessionHeader) error {
	var buf [SignatureSize + 4]byte
	copy(buf[:SignatureSize], h.Signature[:])
	binary.BigEndian.PutUint32(buf[SignatureSize:], h.NodeIndex)
	_, err := w.Write(buf[:])
	if err != nil {
		return errs.Syscall("frame.EncodeSessionHeader", err)
	}
	return nil
}

// DecodeSessionHeader reads and validates the session header against want.
// A mismatched signature means the receiver must disconnect; callers
// should treat a non-nil error here as fatal for the connection.
func DecodeSessionHeader(r io.Reader, want [SignatureSize]byte) (SessionHeader, error) {
	var buf [SignatureSize + 4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SessionHeader{}, errs.Syscall("frame.DecodeSessionHeader", err)
	}
	var h SessionHeader
	copy(h.Signature[:], buf[:SignatureSize])
	h.NodeIndex = binary.BigEndian.Uint32(buf[SignatureSize:])
	if h.Signature != want {
		return h, errs.New(errs.ProtocolError, "frame.DecodeSessionHeader", fmt.Errorf("signature mismatch"))
	}
	return h, nil
}

// Header is the fixed header preceding every framed message's payload.
type Header struct {
	Type          Type
	LocalTaskID   uint16
	GlobalTaskID  uint32
	PayloadLength uint32
}

// IsEOF reports whether this header signals end-of-stream for its
// direction: payload-length 0 means EOF for that direction.
func (h Header) IsEOF() bool { return h.PayloadLength == 0 }

// EncodeHeader writes h's wire representation to buf, which must be at
// least HeaderSize bytes, and returns the number of bytes written.
func EncodeHeader(buf []byte, h Header) int {
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.BigEndian.PutUint16(buf[2:4], h.LocalTaskID)
	binary.BigEndian.PutUint32(buf[4:8], h.GlobalTaskID)
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadLength)
	return HeaderSize
}

// DecodeHeader parses a Header from buf, which must hold at least
// HeaderSize bytes. decode(encode(h)) == h for every well-formed header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errs.New(errs.ProtocolError, "frame.DecodeHeader", fmt.Errorf("short header: %d bytes", len(buf)))
	}
	return Header{
		Type:          Type(binary.BigEndian.Uint16(buf[0:2])),
		LocalTaskID:   binary.BigEndian.Uint16(buf[2:4]),
		GlobalTaskID:  binary.BigEndian.Uint32(buf[4:8]),
		PayloadLength: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// WriteHeader writes h directly to w (the socket fd, in production use).
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	EncodeHeader(buf[:], h)
	if _, err := w.Write(buf[:]); err != nil {
		return errs.Syscall("frame.WriteHeader", err)
	}
	return nil
}

// ReadHeader reads and decodes a Header directly from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, errs.Syscall("frame.ReadHeader", err)
	}
	return DecodeHeader(buf[:])
}
