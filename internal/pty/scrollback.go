package pty

import (
	"bytes"
	"sync"
)

// ScrollbackMax is the bound on a PTY's in-memory scrollback.
const ScrollbackMax = 256 * 1024

// Scrollback is a bounded byte buffer appended in arrival order; on overflow
// the oldest bytes are dropped so its length never exceeds ScrollbackMax.
// Its contents are always a suffix of the complete output byte stream,
// which is what lets a newly attached client replay it and then pick up
// live broadcast output with no gap. A chunk that arrives while a client
// attaches can appear both in the replay and in the live stream.
type Scrollback struct {
	mu  sync.Mutex
	buf []byte
}

// NewScrollback returns an empty scrollback buffer.
func NewScrollback() *Scrollback {
	return &Scrollback{buf: make([]byte, 0, ScrollbackMax)}
}

// Append adds a chunk, trimming the oldest bytes if the result exceeds ScrollbackMax.
func (s *Scrollback) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, chunk...)
	if over := len(s.buf) - ScrollbackMax; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
}

// Snapshot returns a copy of the current buffer.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(s.buf))
	copy(cp, s.buf)
	return cp
}

// Len returns the current buffer length.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// TailLines returns the last n newline-terminated lines of the buffer, for
// the "logs" request's tail_lines option. If the buffer contains fewer than
// n lines, everything available is returned.
func (s *Scrollback) TailLines(n int) []byte {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	buf := make([]byte, len(s.buf))
	copy(buf, s.buf)
	s.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}

	end := len(buf)
	// Treat a trailing newline as the end of the last line, not an empty
	// extra line, so TailLines(1) on "a\nb\n" returns "b\n" not "".
	if buf[end-1] == '\n' {
		end--
	}
	lineStart := end
	found := 0
	for lineStart > 0 {
		idx := bytes.LastIndexByte(buf[:lineStart], '\n')
		if idx < 0 {
			lineStart = 0
			found++
			break
		}
		lineStart = idx
		found++
		if found == n {
			lineStart++ // skip the newline itself
			break
		}
	}
	tail := buf[lineStart:len(buf)]
	cp := make([]byte, len(tail))
	copy(cp, tail)
	return cp
}
