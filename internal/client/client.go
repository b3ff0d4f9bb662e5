// Package client is the IPC client library cmd/coop builds its command
// surface on: dial the daemon's Unix socket, perform the version handshake,
// send one request/response, and — for commands that upgrade the connection
// — drive the interactive terminal loop against the stream bridge.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vibesrc/coop/internal/ipc"
)

// dialTimeout bounds how long connecting to a possibly-wedged daemon takes
// before the CLI gives up and reports an error instead of hanging.
const dialTimeout = 3 * time.Second

// Conn is one handshaken connection to the daemon.
type Conn struct {
	net.Conn
}

// Dial connects to the daemon's Unix socket at path and performs the
// version handshake. The returned Conn is ready for exactly one
// request/response exchange, optionally followed by a stream upgrade.
func Dial(ctx context.Context, socketPath string) (*Conn, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	raw, err := d.DialContext(dctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to coop daemon at %s: %w", socketPath, err)
	}
	c := &Conn{Conn: raw}
	if err := c.handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	if err := ipc.WriteMessage(c.Conn, ipc.Handshake{Version: ipc.ProtocolVersion}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	var ack ipc.HandshakeAck
	if err := ipc.ReadMessage(c.Conn, &ack); err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	if !ack.OK {
		if ack.Error == ipc.ErrVersionMismatch {
			return fmt.Errorf("coop: daemon speaks protocol v%d, this client speaks v%d (reinstall/upgrade to match)", ack.Version, ipc.ProtocolVersion)
		}
		return fmt.Errorf("handshake rejected: %s", ack.Error)
	}
	return nil
}

// Do sends req and decodes the daemon's Response. Use this for any command
// that does not upgrade into stream mode (ls, kill, logs without -f, ...).
func (c *Conn) Do(req ipc.Request) (*ipc.Response, error) {
	if err := ipc.WriteMessage(c.Conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp ipc.Response
	if err := ipc.ReadMessage(c.Conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return &resp, &RequestError{Code: resp.Error, Message: resp.Message}
	}
	return &resp, nil
}

// RequestError wraps a non-OK Response so callers can switch on Code
// without string-matching Message.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}
