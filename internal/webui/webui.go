// Package webui adapts a browser WebSocket connection onto the stream
// bridge boundary. The core bridge is transport-agnostic over
// io.ReadWriter; this package is its adapter for browser WebSockets. The
// HTTP routing, auth, and page serving around this attach point are the
// embedded HTTP/WebSocket surface, which is out of scope here and treated
// as an external collaborator — callers wire UpgradeAndBridge into whatever
// route handles `/ws/<session>/<pty>`.
package webui

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vibesrc/coop/internal/bridge"
	"github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/session"
)

// UpgradeAndBridge accepts a WebSocket on w/r and bridges it to st until the
// client disconnects, the PTY exits, or a detach control frame is seen. It
// blocks for the lifetime of the connection, so callers run it in its own
// goroutine per request.
func UpgradeAndBridge(w http.ResponseWriter, r *http.Request, sess *session.Session, st *pty.State, opts bridge.Options, log *slog.Logger) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	rwc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	defer rwc.Close()

	opts.Local = false
	err = bridge.Run(rwc, nil, sess, st, opts, log)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "bridge error")
		return err
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
