package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vibesrc/coop/internal/config"
	cpty "github.com/vibesrc/coop/internal/pty"
)

// Supervise watches one PTY: it blocks on the reader-finished signal, then
// decides whether to restart, remove the PTY, or leave it in place.
func Supervise(ctx context.Context, s *Session, st *cpty.State, registry *Registry) {
	select {
	case <-st.ReaderDone():
	case <-ctx.Done():
		return
	}

	startPID := st.PID()

	// If the pid has already been replaced (e.g. a manual Restart raced us),
	// another watcher now owns this PTY — do nothing.
	if _, stillPresent := s.PTY(st.ID); !stillPresent {
		return
	}

	if st.AutoRestart {
		broadcastBanner(st, fmt.Sprintf("[coop] %s exited, restarting in %s...", roleLabel(st), s.RestartDelay))
		select {
		case <-time.After(s.RestartDelay):
		case <-ctx.Done():
			return
		}
		// A crash-looping agent would otherwise restart as fast as the kernel
		// can schedule it; the limiter makes repeated restarts within a short
		// window queue up behind RestartDelay instead of busy-looping.
		if err := st.RestartLimiter(s.RestartDelay).Wait(ctx); err != nil {
			return
		}
		if st.PID() != startPID {
			return // superseded by a manual restart while we slept
		}
		if err := restartWithFreshCoopfile(ctx, s, st); err != nil {
			s.Log().Error("pty restart failed", "session", s.Name, "pty", st.ID, "err", err)
			broadcastBanner(st, fmt.Sprintf("[coop] restart failed: %v", err))
			return
		}
		go Supervise(ctx, s, st, registry)
		return
	}

	if st.Role == cpty.RoleShell {
		s.RemovePTY(st.ID)
		st.Broadcast.Close()
		return
	}

	broadcastBanner(st, "[coop] agent exited")
}

func roleLabel(st *cpty.State) string {
	if st.Role == cpty.RoleAgent {
		return "agent"
	}
	return "shell"
}

// broadcastBanner writes a human-visible line to the PTY's scrollback and
// broadcast channel, formatted as a terminal-friendly CRLF line so it
// renders cleanly regardless of what the shell left the cursor column at.
func broadcastBanner(st *cpty.State, text string) {
	line := []byte("\r\n" + text + "\r\n")
	st.Scrollback.Append(line)
	st.Broadcast.Publish(line)
}

// restartWithFreshCoopfile re-reads the session's Coopfile so config edits
// take effect, and invokes Restart with whatever command/env it now
// specifies.
func restartWithFreshCoopfile(ctx context.Context, s *Session, st *cpty.State) error {
	cf, err := config.Load(s.CoopfilePath)
	if err != nil {
		return err
	}
	s.AutoRestart = cf.AutoRestart
	s.RestartDelay = cf.RestartDelay
	s.Env = cloneEnv(cf.Env)

	command := st.Command
	var args []string
	if st.Role == cpty.RoleAgent {
		command = cf.Agent
		args = cf.AgentArgs
	}
	return s.Restart(ctx, st, command, args)
}
