package session

import (
	"testing"

	"github.com/vibesrc/coop/internal/pty"
)

func TestSessionAddPTYStateAssignsMonotonicIDs(t *testing.T) {
	s := newTestSession("a", "/w")
	st0 := s.AddPTYState(func(id int) *pty.State {
		return pty.New(id, pty.RoleAgent, "agent", true, nil, 100)
	})
	st1 := s.AddPTYState(func(id int) *pty.State {
		return pty.New(id, pty.RoleShell, "bash", false, nil, 101)
	})
	if st0.ID != 0 || st1.ID != 1 {
		t.Fatalf("got ids %d, %d", st0.ID, st1.ID)
	}
	if s.PTYCount() != 2 {
		t.Fatalf("count = %d", s.PTYCount())
	}

	s.RemovePTY(0)
	if s.PTYCount() != 1 {
		t.Fatalf("count after remove = %d", s.PTYCount())
	}
	if _, ok := s.PTY(0); ok {
		t.Fatal("expected pty 0 to be gone")
	}
	if _, ok := s.PTY(1); !ok {
		t.Fatal("expected pty 1 to remain")
	}
}

func TestSessionClientCountersSaturate(t *testing.T) {
	s := newTestSession("a", "/w")
	s.DecLocalClients() // decrementing at zero must not go negative
	if s.LocalClients() != 0 {
		t.Fatalf("expected 0, got %d", s.LocalClients())
	}

	s.IncLocalClients()
	s.IncLocalClients()
	s.DecLocalClients()
	if s.LocalClients() != 1 {
		t.Fatalf("expected 1, got %d", s.LocalClients())
	}

	s.IncWebClients()
	if s.WebClients() != 1 {
		t.Fatalf("expected 1 web client, got %d", s.WebClients())
	}
}
