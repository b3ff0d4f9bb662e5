package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/vibesrc/coop/internal/config"
	cpty "github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/sandbox"
)

// killGrace is the delay between SIGTERM and SIGKILL when a kill isn't
// forced.
const killGrace = 5 * time.Second

// CreatePTY0 runs the namespace builder for a brand-new session: it
// allocates the agent's PTY, builds the sandbox around it, and returns the
// PTY state plus the pinned namespace handles to attach to the new Session.
// It starts the PTY's reader task immediately, since nothing else ever
// will: CreatePTY0 runs before the Session that would otherwise own that
// job exists.
func CreatePTY0(ctx context.Context, cfg sandbox.Config, autoRestart bool, log *slog.Logger) (*cpty.State, *sandbox.BuildResult, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open pty: %w", err)
	}

	result, err := sandbox.Build(ctx, cfg, slave)
	if err != nil {
		master.Close()
		slave.Close()
		return nil, nil, err
	}
	slave.Close() // the sandboxed process holds its own copy via cmd.Stdin/Stdout/Stderr

	st := cpty.New(0, cpty.RoleAgent, cfg.Command, autoRestart, master, result.PID)
	go cpty.RunReader(log, st, master)
	return st, result, nil
}

// SpawnShell runs the namespace re-entry path for an additional PTY in an
// already-built sandbox.
func (s *Session) SpawnShell(ctx context.Context, command string, args []string) (*cpty.State, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}

	cfg := s.SandboxConfig(command, args)
	pid, err := sandbox.Reenter(ctx, &s.Handles, cfg, slave)
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	slave.Close()

	st := s.AddPTYState(func(id int) *cpty.State {
		return cpty.New(id, cpty.RoleShell, command, false, master, pid)
	})
	go cpty.RunReader(s.Log(), st, master)
	return st, nil
}

// Restart re-enters the sandbox with a fresh PTY for an existing slot,
// atomically swapping the master fd and reusing the broadcaster/scrollback
// so subscribers survive. The old pid is SIGTERMed only after the
// replacement is open, so a failure to re-enter never leaves the PTY
// without a live process.
func (s *Session) Restart(ctx context.Context, st *cpty.State, command string, args []string) error {
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}

	cfg := s.SandboxConfig(command, args)
	pid, err := sandbox.Reenter(ctx, &s.Handles, cfg, slave)
	if err != nil {
		master.Close()
		slave.Close()
		return err
	}
	slave.Close()

	oldPID := st.PID()
	old := st.SwapMaster(master)
	st.SetPID(pid)
	go cpty.RunReader(s.Log(), st, master)
	if old != nil {
		old.Close()
	}
	if oldPID > 0 {
		_ = syscall.Kill(oldPID, syscall.SIGTERM)
	}
	return nil
}

// KillPTY tears down one PTY: closes its master fd (the reader observes EOF
// and fires the one-shot signal), removes it from the session, and closes
// its broadcaster so subscribed bridges see a clean PtyExited.
func (s *Session) KillPTY(id int, force bool) error {
	st, ok := s.PTY(id)
	if !ok {
		return fmt.Errorf("pty %d not found", id)
	}
	killProcess(st.PID(), force)
	st.CloseMaster()
	s.RemovePTY(id)
	st.Broadcast.Close()
	return nil
}

// Destroy tears the whole session down: SIGTERM the init pid (with a grace
// period unless forced), close
// every PTY's master fd, close the pinned namespace handles, and remove the
// overlay scratch directories while preserving persist/ and named volumes.
func (s *Session) Destroy(force bool) error {
	if st, ok := s.PTY(0); ok {
		killProcess(st.PID(), force)
	}
	for _, st := range s.PTYs() {
		st.CloseMaster()
		st.Broadcast.Close()
	}
	if err := s.Handles.Close(); err != nil {
		slog.Default().Warn("close pinned namespace handles", "session", s.Name, "err", err)
	}
	return removeOverlayDirs(s.Paths)
}

// removeOverlayDirs deletes the overlay scratch directories only, preserving
// the persist/ subtree and named volumes.
func removeOverlayDirs(paths config.SessionPaths) error {
	var firstErr error
	for _, dir := range []string{paths.Upper, paths.Work, paths.Merged} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func killProcess(pid int, force bool) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
	if force {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return
	}
	time.AfterFunc(killGrace, func() {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	})
}

