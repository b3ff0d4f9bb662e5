// Package session implements the session registry and PTY supervisor: the
// shared state every IPC request and stream bridge operates on.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/sandbox"
)

// Session is a named sandbox: one overlay root, one set of pinned namespace
// handles, and a monotonically numbered collection of PTYs.
type Session struct {
	Name      string
	Workspace string // host path, unique across the registry
	CreatedAt time.Time

	SandboxUser      string
	SandboxHome      string
	SandboxWorkspace string
	Env              map[string]string
	AutoRestart      bool
	RestartDelay     time.Duration

	RootfsBase   string
	VolumesRoot  string
	CoopfilePath string

	Handles sandbox.Handles
	Paths   config.SessionPaths

	log *slog.Logger

	mu     sync.Mutex
	ptys   map[int]*pty.State
	nextID int

	localClients atomic.Int64
	webClients   atomic.Int64
}

// New constructs a Session around an already-built sandbox (the caller has
// already run the namespace builder for PTY 0).
func New(name, workspace string, cf config.Coopfile, paths config.SessionPaths, rootfsBase string, handles sandbox.Handles, log *slog.Logger) *Session {
	return &Session{
		Name:             name,
		Workspace:        workspace,
		CreatedAt:        time.Now(),
		SandboxUser:      cf.User,
		SandboxHome:      cf.Home,
		SandboxWorkspace: cf.Workspace,
		Env:              cloneEnv(cf.Env),
		AutoRestart:      cf.AutoRestart,
		RestartDelay:     cf.RestartDelay,
		RootfsBase:       rootfsBase,
		VolumesRoot:      paths.Volumes,
		Handles:          handles,
		Paths:            paths,
		log:              log,
		ptys:             make(map[int]*pty.State),
	}
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// AddPTYState registers an already-constructed PTY state under the next
// unused id (ids are never reused within a session).
func (s *Session) AddPTYState(build func(id int) *pty.State) *pty.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	st := build(id)
	s.ptys[id] = st
	return st
}

// AddPTY0 registers an already-built PTY 0 (the agent PTY produced by
// CreatePTY0, before the Session that owns it exists). Only valid once, on
// a freshly constructed Session.
func (s *Session) AddPTY0(st *pty.State) *pty.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptys[st.ID] = st
	if s.nextID <= st.ID {
		s.nextID = st.ID + 1
	}
	return st
}

// PTY returns the PTY with the given id, if it exists.
func (s *Session) PTY(id int) (*pty.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.ptys[id]
	return st, ok
}

// PTYs returns a snapshot slice of all current PTYs.
func (s *Session) PTYs() []*pty.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pty.State, 0, len(s.ptys))
	for _, st := range s.ptys {
		out = append(out, st)
	}
	return out
}

// RemovePTY deletes a PTY from the session's collection. It does not close
// anything; callers close the master fd and broadcaster before or after as
// appropriate for the removal reason.
func (s *Session) RemovePTY(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ptys, id)
}

// PTYCount reports how many PTYs the session currently holds. KillPTY can
// remove any PTY, the last one included; the Session then stays registered
// with zero PTYs until it is destroyed.
func (s *Session) PTYCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ptys)
}

// IncLocalClients / DecLocalClients / IncWebClients / DecWebClients maintain
// the attached-client counters. Decrements saturate at zero so a bridge's
// panic-safe release guard can never drive a counter negative.
func (s *Session) IncLocalClients() { s.localClients.Add(1) }
func (s *Session) DecLocalClients() { saturatingDec(&s.localClients) }
func (s *Session) IncWebClients()   { s.webClients.Add(1) }
func (s *Session) DecWebClients()   { saturatingDec(&s.webClients) }

func (s *Session) LocalClients() int64 { return s.localClients.Load() }
func (s *Session) WebClients() int64   { return s.webClients.Load() }

func saturatingDec(v *atomic.Int64) {
	for {
		cur := v.Load()
		if cur <= 0 {
			return
		}
		if v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// SandboxConfig builds a sandbox.Config describing how to exec a command
// inside this session's sandbox (used by both shell-spawn and restart; the
// filesystem-layer fields are irrelevant to those paths and left zero).
func (s *Session) SandboxConfig(command string, args []string) sandbox.Config {
	return sandbox.Config{
		SandboxHome: s.SandboxHome,
		SandboxWork: s.SandboxWorkspace,
		User:        s.SandboxUser,
		Env:         s.Env,
		Command:     command,
		Args:        args,
	}
}

// Log returns the session's bound logger, or slog.Default() if none was set.
func (s *Session) Log() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s workspace=%s ptys=%d)", s.Name, s.Workspace, s.PTYCount())
}
