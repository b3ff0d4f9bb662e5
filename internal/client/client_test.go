package client

import (
	"net"
	"testing"

	"github.com/vibesrc/coop/internal/ipc"
)

func fakePair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return &Conn{Conn: a}, b
}

func TestHandshakeSucceedsOnMatchingVersion(t *testing.T) {
	c, daemon := fakePair(t)
	defer c.Close()
	defer daemon.Close()

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	var hs ipc.Handshake
	if err := ipc.ReadMessage(daemon, &hs); err != nil {
		t.Fatalf("daemon read handshake: %v", err)
	}
	if hs.Version != ipc.ProtocolVersion {
		t.Fatalf("got version %d", hs.Version)
	}
	if err := ipc.WriteMessage(daemon, ipc.HandshakeAck{Version: ipc.ProtocolVersion, OK: true}); err != nil {
		t.Fatalf("daemon write ack: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handshake() returned %v", err)
	}
}

func TestHandshakeFailsOnVersionMismatch(t *testing.T) {
	c, daemon := fakePair(t)
	defer c.Close()
	defer daemon.Close()

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	var hs ipc.Handshake
	ipc.ReadMessage(daemon, &hs)
	ipc.WriteMessage(daemon, ipc.HandshakeAck{Version: 2, OK: false, Error: ipc.ErrVersionMismatch})

	err := <-done
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestDoSendsRequestAndDecodesResponse(t *testing.T) {
	c, daemon := fakePair(t)
	defer c.Close()
	defer daemon.Close()

	go func() {
		var req ipc.Request
		ipc.ReadMessage(daemon, &req)
		ipc.WriteMessage(daemon, ipc.Response{OK: true, Session: req.Name})
	}()

	resp, err := c.Do(ipc.Request{Cmd: ipc.CmdCreate, Name: "demo"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Session != "demo" {
		t.Fatalf("got session %q", resp.Session)
	}
}

func TestDoReturnsRequestErrorOnFailure(t *testing.T) {
	c, daemon := fakePair(t)
	defer c.Close()
	defer daemon.Close()

	go func() {
		var req ipc.Request
		ipc.ReadMessage(daemon, &req)
		ipc.WriteMessage(daemon, ipc.Response{OK: false, Error: ipc.ErrSessionNotFound, Message: "no such session"})
	}()

	_, err := c.Do(ipc.Request{Cmd: ipc.CmdAttach, Name: "ghost"})
	if err == nil {
		t.Fatal("expected error")
	}
	rerr, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("expected *RequestError, got %T", err)
	}
	if rerr.Code != ipc.ErrSessionNotFound {
		t.Fatalf("got code %q", rerr.Code)
	}
}
