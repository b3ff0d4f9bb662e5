// Package ipc implements the framed IPC protocol: a length-prefixed message
// codec used for request/response, and a tagged stream codec used once a
// connection is upgraded into PTY bridge mode. Both codecs share a 4-byte
// big-endian length prefix and a 1 MiB payload ceiling.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is the handshake version clients and the daemon must agree on.
const ProtocolVersion = 1

// MaxMessageSize is the payload ceiling shared by both codecs.
const MaxMessageSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by Read* when a frame exceeds MaxMessageSize.
// This is a protocol error that closes the connection.
var ErrFrameTooLarge = fmt.Errorf("ipc: frame exceeds %d bytes", MaxMessageSize)

// WriteMessage writes a length-prefixed JSON payload.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads a length-prefixed JSON payload into v.
func ReadMessage(r io.Reader, v any) error {
	payload, err := readFramedPayload(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("ipc: unmarshal message: %w", err)
	}
	return nil
}

// ReadRawMessage reads a length-prefixed payload without decoding it, so a
// caller that needs to carry leftover bytes across a stream-mode upgrade
// can still enforce the size ceiling up front.
func ReadRawMessage(r io.Reader) ([]byte, error) {
	return readFramedPayload(r)
}

func readFramedPayload(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxMessageSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Stream frame tags.
const (
	StreamTagData    byte = 0x00 // raw PTY bytes
	StreamTagControl byte = 0x01 // control JSON
)

// WriteStreamFrame writes one tagged stream frame: [len:u32 be][tag:u8][payload].
// The length prefix covers tag+payload.
func WriteStreamFrame(w io.Writer, tag byte, payload []byte) error {
	if len(payload)+1 > MaxMessageSize {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)+1))
	hdr[4] = tag
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteControlFrame marshals v as JSON and writes it as a control stream frame.
func WriteControlFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal control frame: %w", err)
	}
	return WriteStreamFrame(w, StreamTagControl, payload)
}

// ReadStreamFrame reads one tagged stream frame. Unknown tags are returned
// as-is; callers ignore them.
func ReadStreamFrame(r io.Reader) (tag byte, payload []byte, err error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > MaxMessageSize {
		return 0, nil, ErrFrameTooLarge
	}
	tag = hdr[4]
	if n == 1 {
		return tag, nil, nil
	}
	payload = make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}

// Handshake is the version envelope exchanged in both directions before any
// request is processed.
type Handshake struct {
	Version int `json:"version"`
}

// HandshakeAck is the server's reply to a Handshake.
type HandshakeAck struct {
	Version int    `json:"version"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
