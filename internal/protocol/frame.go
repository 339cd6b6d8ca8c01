// Package protocol implements the length-prefixed, typed frame format that
// carries every message between the host control channel and the
// guest-agent over the guest stream (vsock / virtio-socket).
//
// Wire format: [length(4, little-endian) | type(1) | payload(length)].
// Payload is JSON-encoded. The length prefix covers exactly the payload
// bytes — it does not include the type byte.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/the-void-ia/voidbox/internal/gueststream"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

const headerLen = 5 // 4 bytes length + 1 byte type

// Frame is a decoded (type, payload) pair. Payload is the raw JSON bytes;
// callers unmarshal into the concrete type matching Type.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode marshals v to JSON (skipped for types with no payload) and
// produces the full wire representation of the frame.
func Encode(t MessageType, v interface{}) ([]byte, error) {
	var payload []byte
	var err error
	if v != nil {
		payload, err = json.Marshal(v)
		if err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.GuestProtocol, "protocol.Encode", err)
		}
	}
	buf := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(t)
	copy(buf[headerLen:], payload)
	return buf, nil
}

// WriteFrame encodes and writes a single frame to w.
func WriteFrame(w gueststream.Stream, t MessageType, v interface{}) error {
	buf, err := Encode(t, v)
	if err != nil {
		return err
	}
	return writeAll(w, buf)
}

func writeAll(w gueststream.Stream, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return voidboxerr.Wrap(voidboxerr.Io, "protocol.writeAll", err)
		}
		buf = buf[n:]
	}
	return nil
}

// MaxPayloadBytes bounds a single frame's payload. Callers that need a
// different ceiling for a specific message type (e.g. 64 MiB for file
// writes) should check Frame.Payload length themselves after ReadFrame
// returns; this constant only guards against a corrupt or hostile length
// prefix causing an unbounded allocation.
const MaxPayloadBytes = 256 << 20 // 256 MiB

// ReadFrame reads exactly one frame: the 5-byte header, then exactly
// length payload bytes. A short header or short payload is always an
// error — there is no framing ambiguity to recover from.
func ReadFrame(r gueststream.Stream) (Frame, error) {
	hdr := make([]byte, headerLen)
	if err := readFull(r, hdr); err != nil {
		return Frame{}, voidboxerr.Wrap(voidboxerr.GuestProtocol, "protocol.ReadFrame: header", err)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	t := MessageType(hdr[4])
	if !knownTypes(t) {
		return Frame{}, voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("protocol.ReadFrame: unknown message type %d", hdr[4]))
	}
	if length > MaxPayloadBytes {
		return Frame{}, voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("protocol.ReadFrame: payload %d exceeds max %d", length, MaxPayloadBytes))
	}

	payload := make([]byte, length)
	if length > 0 {
		if err := readFull(r, payload); err != nil {
			return Frame{}, voidboxerr.Wrap(voidboxerr.GuestProtocol, "protocol.ReadFrame: payload", err)
		}
	}

	return Frame{Type: t, Payload: payload}, nil
}

// readFull reads len(buf) bytes from r or returns an error; a partial read
// followed by EOF is reported as io.ErrUnexpectedEOF so callers can
// distinguish a clean stream close from a truncated frame.
func readFull(r gueststream.Stream, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			if read == len(buf) {
				return nil
			}
			if err == io.EOF && read > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// Decode unmarshals a frame's payload into v. Callers must already know the
// expected Go type from Frame.Type.
func Decode(f Frame, v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return voidboxerr.Wrap(voidboxerr.GuestProtocol, "protocol.Decode", err)
	}
	return nil
}
