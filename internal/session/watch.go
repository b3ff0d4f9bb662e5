package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	cpty "github.com/vibesrc/coop/internal/pty"
)

// coopfileDebounce absorbs the write+rename pairs most editors produce for
// a single logical save, so one edit triggers one restart instead of two.
const coopfileDebounce = 200 * time.Millisecond

// WatchCoopfile restarts st whenever the session's Coopfile changes on
// disk, so editing the agent command, env, or restart delay takes effect
// without waiting for the agent to exit on its own. It watches the
// Coopfile's parent directory rather than the file itself so it survives
// the rename-into-place most editors use to save.
func WatchCoopfile(ctx context.Context, s *Session, st *cpty.State) {
	if s.CoopfilePath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.Log().Warn("coopfile watch disabled", "session", s.Name, "err", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(s.CoopfilePath)
	if err := watcher.Add(dir); err != nil {
		s.Log().Warn("coopfile watch disabled", "session", s.Name, "dir", dir, "err", err)
		return
	}
	base := filepath.Base(s.CoopfilePath)

	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(coopfileDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if _, ok := s.PTY(st.ID); !ok {
				return // PTY gone, nothing left to restart
			}
			if err := restartWithFreshCoopfile(ctx, s, st); err != nil {
				s.Log().Warn("coopfile-triggered restart failed", "session", s.Name, "err", err)
				continue
			}
			broadcastBanner(st, "[coop] Coopfile changed, restarted")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.Log().Warn("coopfile watcher error", "session", s.Name, "err", err)
		}
	}
}
