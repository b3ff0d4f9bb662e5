package pty

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/time/rate"
)

// restartBurst bounds how many restarts a PTY can burn through back to back
// before RestartLimiter starts making the supervisor wait beyond the
// configured restart delay. A crash-looping agent still restarts, just not
// fast enough to pin a core.
const restartBurst = 3

// waitingIdleThreshold is how long a PTY must produce no output before
// State() reports it as waiting rather than running. An agent streams
// output continuously while it works; silence usually means it's waiting
// on human input, not that it has hung.
const waitingIdleThreshold = 2 * time.Second

// Role distinguishes the primary agent PTY from auxiliary shell PTYs:
// id 0 is always the agent, ids >= 1 are shells.
type Role int

const (
	RoleAgent Role = iota
	RoleShell
)

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "shell"
}

// State is one PTY's mutable lifetime state. The master FD is modeled as an
// atomic cell: concurrent reader/bridge/resize code paths access it
// through Master()/swap, never through a lock, so a hot-path write never
// contends with the session registry's lock. *os.File already
// owns the native fd's lifecycle, so the cell holds an *os.File pointer —
// nil means closed — rather than a bare integer; the close-exactly-once
// guarantee is the same either way.
type State struct {
	ID   int
	Role Role

	master atomic.Pointer[os.File] // live master fd, nil once closed
	pid    atomic.Int64

	Command     string
	AutoRestart bool

	Scrollback  *Scrollback
	Broadcast   *Broadcaster

	// readerDone fires exactly once per reader task as a one-shot
	// reader-finished signal, consumed by the supervisor.
	readerDone chan struct{}

	restartOnce    sync.Once
	restartLimiter *rate.Limiter

	lastOutput atomic.Int64 // unix nanos of the last successful reader chunk
}

// New constructs PTY state around an already-started master fd.
func New(id int, role Role, command string, autoRestart bool, master *os.File, pid int) *State {
	s := &State{
		ID:          id,
		Role:        role,
		Command:     command,
		AutoRestart: autoRestart,
		Scrollback:  NewScrollback(),
		Broadcast:   NewBroadcaster(),
		readerDone:  make(chan struct{}, 1),
	}
	s.master.Store(master)
	s.pid.Store(int64(pid))
	s.lastOutput.Store(time.Now().UnixNano())
	return s
}

// MarkOutput records that a chunk was just read from the PTY, resetting the
// idle clock State() checks.
func (s *State) MarkOutput() {
	s.lastOutput.Store(time.Now().UnixNano())
}

// State reports "running" or "waiting": an agent PTY that hasn't produced
// output in waitingIdleThreshold is presumed to be waiting on human input
// rather than stuck. This answers "is anything happening in there?" for
// callers like ls/session_ls that would otherwise have no liveness signal.
func (s *State) State() string {
	if time.Since(time.Unix(0, s.lastOutput.Load())) > waitingIdleThreshold {
		return "waiting"
	}
	return "running"
}

// Master returns the current master fd, or nil if the PTY has been closed.
// Every access re-reads the cell so a write that races a restart lands on
// whichever fd was current at the moment of the read.
func (s *State) Master() *os.File {
	return s.master.Load()
}

// PID returns the current OS process id (may change across restarts).
func (s *State) PID() int { return int(s.pid.Load()) }

// SetPID updates the recorded process id after a restart.
func (s *State) SetPID(pid int) { s.pid.Store(int64(pid)) }

// SwapMaster atomically installs a new master fd and returns the previous
// one. Used by Restart: the old fd is closed by the caller after the swap,
// never before, so no reader ever observes a half-closed cell.
func (s *State) SwapMaster(next *os.File) *os.File {
	return s.master.Swap(next)
}

// CloseMaster swaps the cell to nil and closes the fd exactly once. Safe to
// call concurrently; only the first caller actually closes anything.
func (s *State) CloseMaster() error {
	old := s.master.Swap(nil)
	if old == nil {
		return nil
	}
	return old.Close()
}

// Resize applies new terminal dimensions to the current master fd, if live.
func (s *State) Resize(cols, rows int) error {
	m := s.Master()
	if m == nil {
		return nil
	}
	return pty.Setsize(m, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Write writes to the current master fd, if live. A nil master (PTY closed)
// returns os.ErrClosed without writing — callers that care (follow-logs, a detached bridge)
// check Master() themselves first.
func (s *State) Write(p []byte) (int, error) {
	m := s.Master()
	if m == nil {
		return 0, os.ErrClosed
	}
	return m.Write(p)
}

// MarkReaderDone signals the one-shot reader-finished event. Non-blocking:
// a buffered channel of size 1 means a redundant signal never blocks the
// reader task.
func (s *State) MarkReaderDone() {
	select {
	case s.readerDone <- struct{}{}:
	default:
	}
}

// ReaderDone returns the channel the supervisor watches.
func (s *State) ReaderDone() <-chan struct{} {
	return s.readerDone
}

// RestartLimiter returns this PTY's restart-rate limiter, creating it on
// first use with one token per restartDelay and a small burst so the first
// few restarts after a quiet period aren't held back.
func (s *State) RestartLimiter(restartDelay time.Duration) *rate.Limiter {
	s.restartOnce.Do(func() {
		if restartDelay <= 0 {
			restartDelay = time.Second
		}
		s.restartLimiter = rate.NewLimiter(rate.Every(restartDelay), restartBurst)
	})
	return s.restartLimiter
}
