package session

import (
	"testing"

	"github.com/vibesrc/coop/internal/pty"
)

func newTestSession(name, workspace string) *Session {
	return &Session{
		Name:      name,
		Workspace: workspace,
		ptys:      make(map[int]*pty.State),
	}
}

func TestRegistryAddRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(newTestSession("a", "/w1")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := r.Add(newTestSession("a", "/w2"))
	if _, ok := err.(*ErrSessionExists); !ok {
		t.Fatalf("expected *ErrSessionExists, got %T (%v)", err, err)
	}
}

func TestRegistryAddRejectsDuplicateWorkspace(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(newTestSession("a", "/w")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := r.Add(newTestSession("b", "/w")); err == nil {
		t.Fatal("expected workspace-collision error")
	}
}

func TestRegistryGetByNameAndPath(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("mysession", "/home/user/project")
	if err := r.Add(s); err != nil {
		t.Fatalf("add: %v", err)
	}

	if got, ok := r.Get("mysession"); !ok || got != s {
		t.Fatalf("lookup by name failed: %v %v", got, ok)
	}
	if got, ok := r.Get("/home/user/project"); !ok || got != s {
		t.Fatalf("lookup by workspace path failed: %v %v", got, ok)
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("a", "/w")
	r.Add(s)
	r.Remove("a")
	if _, ok := r.Get("a"); ok {
		t.Fatal("expected session to be removed")
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Add(newTestSession("a", "/w1"))
	r.Add(newTestSession("b", "/w2"))
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(r.List()))
	}
}
