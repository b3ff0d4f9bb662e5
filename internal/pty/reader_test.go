package pty

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunReaderPublishesAndAppendsScrollback(t *testing.T) {
	r, w := io.Pipe()
	s := &State{
		ID:         0,
		Role:       RoleAgent,
		Scrollback: NewScrollback(),
		Broadcast:  NewBroadcaster(),
		readerDone: make(chan struct{}, 1),
	}
	sub := s.Broadcast.Subscribe()

	done := make(chan struct{})
	go func() {
		RunReader(discardLogger(), s, r)
		close(done)
	}()

	w.Write([]byte("hello"))

	select {
	case msg := <-sub.C:
		if string(msg.Data) != "hello" {
			t.Fatalf("got %q", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	w.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReader did not return after EOF")
	}

	select {
	case <-s.ReaderDone():
	default:
		t.Fatal("expected reader-finished signal to be set")
	}

	if string(s.Scrollback.Snapshot()) != "hello" {
		t.Fatalf("scrollback = %q", s.Scrollback.Snapshot())
	}
}

func TestRunReaderStopsOnReadError(t *testing.T) {
	r, w := io.Pipe()
	s := &State{
		ID:         1,
		Role:       RoleShell,
		Scrollback: NewScrollback(),
		Broadcast:  NewBroadcaster(),
		readerDone: make(chan struct{}, 1),
	}

	done := make(chan struct{})
	go func() {
		RunReader(discardLogger(), s, r)
		close(done)
	}()

	w.CloseWithError(os.ErrClosed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReader did not return after read error")
	}
}
