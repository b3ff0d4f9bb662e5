package webui

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vibesrc/coop/internal/bridge"
	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/sandbox"
	"github.com/vibesrc/coop/internal/session"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestUpgradeAndBridgeReplaysScrollback(t *testing.T) {
	st := pty.New(0, pty.RoleAgent, "agent", false, nil, 1)
	st.Scrollback.Append([]byte("hello from scrollback"))
	sess := session.New("s", "/w", config.Default(), config.SessionPaths{}, "", sandbox.Handles{}, discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := UpgradeAndBridge(w, r, sess, st, bridge.Options{}, discardLogger()); err != nil {
			t.Logf("UpgradeAndBridge: %v", err)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// The bridge writes a stream frame as two separate Write calls (header,
	// then payload), which the raw websocket API surfaces as two distinct
	// messages — NetConn on the daemon side is what turns this back into a
	// byte stream for io.ReadFull; a bare client has to reassemble it itself.
	_, hdr, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if len(hdr) != 5 || hdr[4] != 0x00 {
		t.Fatalf("expected a 5-byte data-frame header, got %x", hdr)
	}
	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "hello from scrollback" {
		t.Fatalf("got payload %q", payload)
	}

	if sess.WebClients() != 1 {
		t.Fatalf("expected 1 web client while attached, got %d", sess.WebClients())
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
