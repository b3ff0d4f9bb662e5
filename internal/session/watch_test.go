package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vibesrc/coop/internal/pty"
)

func TestWatchCoopfileReturnsImmediatelyWithoutAPath(t *testing.T) {
	s := newTestSession("a", "/w")
	st := pty.New(0, pty.RoleAgent, "agent", true, nil, 1)

	done := make(chan struct{})
	go func() {
		WatchCoopfile(context.Background(), s, st)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchCoopfile should return immediately when CoopfilePath is empty")
	}
}

func TestWatchCoopfileStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/Coopfile"
	if err := os.WriteFile(path, []byte("agent: sh\n"), 0o644); err != nil {
		t.Fatalf("write coopfile: %v", err)
	}

	s := newTestSession("a", "/w")
	s.CoopfilePath = path
	st := pty.New(0, pty.RoleAgent, "agent", true, nil, 1)
	s.AddPTY0(st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchCoopfile(ctx, s, st)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WatchCoopfile did not stop after context cancellation")
	}
}
