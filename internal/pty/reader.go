package pty

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

// readChunk is the per-wake read size.
const readChunk = 4096

// startupWarnAfter bounds how long a freshly started PTY can produce no
// output before the reader logs a warning, so a hung agent doesn't just
// leave the operator staring at a blank pane with no signal either way.
const startupWarnAfter = 10 * time.Second

// RunReader is the reader task for one PTY. It owns reading from the master
// fd bound to s at the moment this call started; it never follows a later
// restart's swap, since a restart starts a brand new RunReader bound to the
// new fd. It returns when a read on the master fd hits EOF or any error,
// including the error a read gets once a restart has closed the old fd.
//
// Exactly one reader task runs per master fd: CreatePTY0, SpawnShell and
// Restart each start one for the fd they open. Restart starts the new fd's
// reader before it closes the old fd, so the old reader can still be
// finishing while the new one runs.
func RunReader(log *slog.Logger, s *State, master io.Reader) {
	defer s.MarkReaderDone()

	firstByte := make(chan struct{}, 1)
	watchdog := time.AfterFunc(startupWarnAfter, func() {
		select {
		case <-firstByte:
		default:
			log.Warn("pty produced no output yet", "pty", s.ID, "role", s.Role.String(), "after", startupWarnAfter)
		}
	})
	defer watchdog.Stop()

	buf := make([]byte, readChunk)
	seenOutput := false
	for {
		n, err := master.Read(buf)
		if n > 0 {
			if !seenOutput {
				seenOutput = true
				select {
				case firstByte <- struct{}{}:
				default:
				}
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.Scrollback.Append(chunk)
			s.Broadcast.Publish(chunk)
			s.MarkOutput()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("pty reader got eof", "pty", s.ID, "role", s.Role.String())
			} else {
				log.Debug("pty reader stopped", "pty", s.ID, "role", s.Role.String(), "err", err)
			}
			return
		}
	}
}
