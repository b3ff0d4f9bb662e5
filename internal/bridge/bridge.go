// Package bridge implements the stream bridge: it upgrades an IPC
// connection from message mode into a bidirectional PTY stream once a
// client has successfully attached, spawned a shell, or asked to follow a
// PTY's logs.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/vibesrc/coop/internal/ipc"
	"github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/session"
)

// Options configures one bridge run.
type Options struct {
	Readonly bool // follow-logs: suppress writes and resize
	Local    bool // local terminal client vs. web client, for Session counters
}

// Run bridges conn to st until the client detaches, the PTY's broadcaster
// closes, or the connection errors out. carryover holds any bytes the
// caller already read past the request/response boundary while still in
// message mode — they are replayed as the start of the stream before
// anything new is read from conn.
func Run(conn io.ReadWriter, carryover []byte, sess *session.Session, st *pty.State, opts Options, log *slog.Logger) error {
	release := acquireClientSlot(sess, opts.Local)
	defer release()

	sub := st.Broadcast.Subscribe()
	defer st.Broadcast.Unsubscribe(sub)

	if snap := st.Scrollback.Snapshot(); len(snap) > 0 {
		if err := ipc.WriteStreamFrame(conn, ipc.StreamTagData, snap); err != nil {
			return err
		}
	}

	frames := make(chan clientFrame, 32)
	readErr := make(chan error, 1)
	go readClientFrames(io.MultiReader(bytes.NewReader(carryover), conn), frames, readErr)

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return sendExitEvent(conn, 0)
			}
			if msg.Lagged > 0 {
				log.Debug("bridge subscriber lagged", "session", sess.Name, "pty", st.ID, "dropped", msg.Lagged)
			}
			if err := ipc.WriteStreamFrame(conn, ipc.StreamTagData, msg.Data); err != nil {
				return err
			}

		case f, ok := <-frames:
			if !ok {
				return <-readErr
			}
			switch f.tag {
			case ipc.StreamTagData:
				if !opts.Readonly {
					st.Write(f.payload)
				}
			case ipc.StreamTagControl:
				done, err := handleControl(conn, st, f.payload, opts.Readonly)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
	}
}

type clientFrame struct {
	tag     byte
	payload []byte
}

func readClientFrames(r io.Reader, out chan<- clientFrame, errOut chan<- error) {
	defer close(out)
	for {
		tag, payload, err := ipc.ReadStreamFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				errOut <- err
			} else {
				errOut <- nil
			}
			return
		}
		out <- clientFrame{tag: tag, payload: payload}
	}
}

func handleControl(conn io.Writer, st *pty.State, payload []byte, readonly bool) (done bool, err error) {
	var env ipc.ControlEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false, nil // unknown/malformed control frame: ignored, not fatal
	}
	switch env.Cmd {
	case ipc.CtrlResize:
		if readonly {
			return false, nil
		}
		var r ipc.ResizeControl
		if err := json.Unmarshal(payload, &r); err != nil {
			return false, nil
		}
		st.Resize(r.Cols, r.Rows)
		return false, nil
	case ipc.CtrlDetach:
		if err := ipc.WriteControlFrame(conn, ipc.DetachedEvent{Cmd: ipc.CtrlDetached}); err != nil {
			return true, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func sendExitEvent(conn io.Writer, code int) error {
	return ipc.WriteControlFrame(conn, ipc.PTYExitedEvent{Cmd: ipc.CtrlPTYExited, Code: code})
}

// acquireClientSlot increments the session's local/web client counter and
// returns a release func that decrements it exactly once, even if the
// caller's goroutine panics.
func acquireClientSlot(sess *session.Session, local bool) func() {
	if local {
		sess.IncLocalClients()
	} else {
		sess.IncWebClients()
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if local {
			sess.DecLocalClients()
		} else {
			sess.DecWebClients()
		}
	}
}
