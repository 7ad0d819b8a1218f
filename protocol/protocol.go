// Package protocol implements the ti wire format.
//
// Every frame, in both directions, is laid out as
//
//	[0]     code     uint8  (request opcode or response code)
//	[1-8]   length   uint64 big-endian
//	[9-]    payload  length bytes
//
// Multi-field request payloads are NUL-separated UTF-8 strings in a fixed
// order per opcode.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LenHeaderSize is the size of every length header on the wire and inside
// serialized messages and lists.
const LenHeaderSize = 8

const DefaultMaxPayload = 64 * 1024 * 1024

// Request opcodes (client -> server).
const (
	OpLogin         uint8 = 0
	OpLogout        uint8 = 1
	OpRegister      uint8 = 2
	OpSync          uint8 = 3
	OpDeleteUser    uint8 = 4
	OpReconnect     uint8 = 5
	OpDetermine     uint8 = 6
	OpSend          uint8 = 7
	OpAddContact    uint8 = 8
	OpRemoveContact uint8 = 9
	OpCreateGroup   uint8 = 10
)

// Response codes (server -> client).
const (
	CodeOK           uint8 = 0
	CodeNotFound     uint8 = 1
	CodeBadRequest   uint8 = 2
	CodeTokenExpired uint8 = 3
	// CodeMessage is reserved for server-pushed messages. Replies never use it.
	CodeMessage     uint8 = 4
	CodeServerError uint8 = 5
)

var opNames = map[uint8]string{
	OpLogin:         "login",
	OpLogout:        "logout",
	OpRegister:      "register",
	OpSync:          "sync",
	OpDeleteUser:    "delete_user",
	OpReconnect:     "reconnect",
	OpDetermine:     "determine",
	OpSend:          "send",
	OpAddContact:    "add_contact",
	OpRemoveContact: "remove_contact",
	OpCreateGroup:   "create_group",
}

var codeNames = map[uint8]string{
	CodeOK:           "ok",
	CodeNotFound:     "not_found",
	CodeBadRequest:   "bad_request",
	CodeTokenExpired: "token_expired",
	CodeMessage:      "message",
	CodeServerError:  "server_error",
}

// OpName returns a printable name for a request opcode.
func OpName(op uint8) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", op)
}

// CodeName returns a printable name for a response code.
func CodeName(code uint8) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", code)
}

var ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum size")

// Frame is one request or response on the wire.
type Frame struct {
	Code    uint8
	Payload []byte
}

// Limits constrains how much memory a single frame may claim.
type Limits struct {
	MaxPayload uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayload: DefaultMaxPayload}
}

// ReadFrame reads exactly one frame from r. It blocks until the code, the
// length header and the whole payload have arrived. io.EOF means the peer
// closed the connection between frames, io.ErrUnexpectedEOF means it went
// away in the middle of one; both are connection termination.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [1 + LenHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	n := binary.BigEndian.Uint64(hdr[1:])
	if limits.MaxPayload > 0 && n > limits.MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Code: hdr[0], Payload: payload}, nil
}

// WriteFrame writes f to w with a single Write call so concurrent writers
// on one connection never interleave halves of frames.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// Encode returns the wire representation of f.
func Encode(f Frame) []byte {
	out := make([]byte, 1+LenHeaderSize+len(f.Payload))
	out[0] = f.Code
	binary.BigEndian.PutUint64(out[1:1+LenHeaderSize], uint64(len(f.Payload)))
	copy(out[1+LenHeaderSize:], f.Payload)
	return out
}
