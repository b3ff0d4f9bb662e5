package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/ipc"
	"github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/sandbox"
	"github.com/vibesrc/coop/internal/session"
)

// pipeConn glues a server-side io.ReadWriter onto two os.Pipe-style
// in-memory pipes so the bridge and a fake client can exchange frames.
type pipeConn struct {
	r io.Reader
	w io.Writer
}

func (p pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func newPipePair() (serverSide, clientSide pipeConn) {
	r1, w1 := io.Pipe() // client -> server
	r2, w2 := io.Pipe() // server -> client
	return pipeConn{r: r1, w: w2}, pipeConn{r: r2, w: w1}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestSessionForBridge() *session.Session {
	return session.New("s", "/w", config.Default(), config.SessionPaths{}, "", sandbox.Handles{}, discardLogger())
}

func TestBridgeReplaysScrollbackThenLiveOutput(t *testing.T) {
	st := pty.New(0, pty.RoleAgent, "agent", false, nil, 1)
	st.Scrollback.Append([]byte("replayed"))
	sess := newTestSessionForBridge()

	server, client := newPipePair()

	done := make(chan error, 1)
	go func() {
		done <- Run(server, nil, sess, st, Options{Local: true}, discardLogger())
	}()

	tag, payload, err := ipc.ReadStreamFrame(client)
	if err != nil {
		t.Fatalf("read replay frame: %v", err)
	}
	if tag != ipc.StreamTagData || string(payload) != "replayed" {
		t.Fatalf("got tag=%x payload=%q", tag, payload)
	}

	st.Broadcast.Publish([]byte("live"))
	tag, payload, err = ipc.ReadStreamFrame(client)
	if err != nil {
		t.Fatalf("read live frame: %v", err)
	}
	if tag != ipc.StreamTagData || string(payload) != "live" {
		t.Fatalf("got tag=%x payload=%q", tag, payload)
	}

	detach, _ := json.Marshal(ipc.ControlEnvelope{Cmd: ipc.CtrlDetach})
	if err := ipc.WriteStreamFrame(client, ipc.StreamTagControl, detach); err != nil {
		t.Fatalf("write detach: %v", err)
	}

	tag, payload, err = ipc.ReadStreamFrame(client)
	if err != nil {
		t.Fatalf("read detached event: %v", err)
	}
	if tag != ipc.StreamTagControl {
		t.Fatalf("expected control frame, got tag=%x", tag)
	}
	var ev ipc.DetachedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode detached event: %v", err)
	}
	if ev.Cmd != ipc.CtrlDetached {
		t.Fatalf("got cmd=%q", ev.Cmd)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after detach")
	}

	if sess.LocalClients() != 0 {
		t.Fatalf("expected client counter to be released, got %d", sess.LocalClients())
	}
}

func TestBridgeSendsPtyExitedWhenBroadcasterCloses(t *testing.T) {
	st := pty.New(0, pty.RoleAgent, "agent", false, nil, 1)
	sess := newTestSessionForBridge()

	server, client := newPipePair()

	done := make(chan error, 1)
	go func() {
		done <- Run(server, nil, sess, st, Options{Local: false}, discardLogger())
	}()

	st.Broadcast.Close()

	tag, payload, err := ipc.ReadStreamFrame(client)
	if err != nil {
		t.Fatalf("read exited event: %v", err)
	}
	if tag != ipc.StreamTagControl {
		t.Fatalf("expected control frame, got %x", tag)
	}
	var ev ipc.PTYExitedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Cmd != ipc.CtrlPTYExited {
		t.Fatalf("got cmd=%q", ev.Cmd)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after broadcaster close")
	}
}

func TestBridgeReadonlySuppressesWrites(t *testing.T) {
	st := pty.New(0, pty.RoleShell, "logs", false, nil, 1)
	sess := newTestSessionForBridge()
	server, client := newPipePair()

	done := make(chan error, 1)
	go func() {
		done <- Run(server, nil, sess, st, Options{Readonly: true}, discardLogger())
	}()

	// Master is nil, so a write attempt (if one happened) would be a no-op
	// anyway; this test documents that readonly mode never calls Write at
	// all by ensuring no panic/error surfaces from sending data frames.
	if err := ipc.WriteStreamFrame(client, ipc.StreamTagData, []byte("ignored")); err != nil {
		t.Fatalf("write: %v", err)
	}

	detach, _ := json.Marshal(ipc.ControlEnvelope{Cmd: ipc.CtrlDetach})
	ipc.WriteStreamFrame(client, ipc.StreamTagControl, detach)
	ipc.ReadStreamFrame(client) // drain the DetachedEvent

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
