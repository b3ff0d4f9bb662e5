package daemon

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/vibesrc/coop/internal/ipc"
	"github.com/vibesrc/coop/internal/session"
)

func newTestDaemon() *Daemon {
	return &Daemon{
		Registry: session.NewRegistry(),
		Log:      slog.Default(),
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := newTestDaemon()
	resp, sess, st, _, stream := d.dispatch(context.Background(), &ipc.Request{Cmd: "nope"})
	if resp.OK || resp.Error != ipc.ErrInvalidCommand {
		t.Fatalf("expected INVALID_COMMAND, got %+v", resp)
	}
	if sess != nil || st != nil || stream {
		t.Fatal("unknown command must not upgrade to a stream")
	}
}

func TestDispatchDetachIsNotATopLevelCommand(t *testing.T) {
	d := newTestDaemon()
	resp, _, _, _, stream := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdDetach})
	if resp.OK || resp.Error != ipc.ErrInvalidCommand {
		t.Fatalf("expected detach to be rejected as a top-level command, got %+v", resp)
	}
	if stream {
		t.Fatal("rejected detach must not upgrade to a stream")
	}
}

func TestDispatchLsOnEmptyRegistry(t *testing.T) {
	d := newTestDaemon()
	resp, _, _, _, stream := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdLs})
	if !resp.OK {
		t.Fatalf("ls should succeed on an empty registry, got %+v", resp)
	}
	if len(resp.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(resp.Sessions))
	}
	if stream {
		t.Fatal("ls must not upgrade to a stream")
	}
}

func TestDispatchAttachMissingSession(t *testing.T) {
	d := newTestDaemon()
	resp, sess, st, _, stream := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdAttach, Session: "ghost"})
	if resp.OK || resp.Error != ipc.ErrSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %+v", resp)
	}
	if sess != nil || st != nil || stream {
		t.Fatal("missing-session attach must not upgrade to a stream")
	}
}

func TestDispatchKillMissingSession(t *testing.T) {
	d := newTestDaemon()
	resp, _, _, _, _ := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdKill, Session: "ghost"})
	if resp.OK || resp.Error != ipc.ErrSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %+v", resp)
	}
}

func TestDispatchResizeMissingSession(t *testing.T) {
	d := newTestDaemon()
	resp, _, _, _, _ := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdResize, Session: "ghost", Cols: 80, Rows: 24})
	if resp.OK || resp.Error != ipc.ErrSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %+v", resp)
	}
}

func TestDispatchCreateRequiresWorkspace(t *testing.T) {
	d := newTestDaemon()
	resp, _, _, _, _ := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdCreate})
	if resp.OK || resp.Error != ipc.ErrInvalidCommand {
		t.Fatalf("expected INVALID_COMMAND for missing workspace, got %+v", resp)
	}
}

func TestDispatchShutdownCancelsRootContext(t *testing.T) {
	d := newTestDaemon()
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	resp, _, _, _, _ := d.dispatch(context.Background(), &ipc.Request{Cmd: ipc.CmdShutdown})
	if !resp.OK {
		t.Fatalf("shutdown should always report OK, got %+v", resp)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not cancel the root context in time")
	}
}
