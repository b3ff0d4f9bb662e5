package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/vibesrc/coop/internal/ipc"
)

// detachByte is Ctrl+] (0x1D), the terminal-multiplexer convention this
// client uses to end a stream-mode session locally without killing the PTY.
const detachByte = 0x1D

// AttachOptions configures one interactive stream-mode session.
type AttachOptions struct {
	Readonly bool // follow-logs: never write stdin or send resize
}

// RunStream sends req, and if the daemon accepted it, drives the terminal
// loop against the resulting stream. Shared by the attach, shell, and
// follow-logs CLI commands — each only differs in the Request it builds and
// whether the session is Readonly.
func RunStream(ctx context.Context, conn *Conn, req ipc.Request, opts AttachOptions) error {
	if _, err := conn.Do(req); err != nil {
		return err
	}
	return StreamTerminal(ctx, conn, opts)
}

// StreamTerminal drives stdin/stdout against an already-upgraded connection
// until the PTY exits, the user detaches, or the connection errs out. conn
// must be the same *Conn used for the attach/shell/logs-follow Do() call —
// the stream codec picks up exactly where the message codec left off.
func StreamTerminal(ctx context.Context, conn *Conn, opts AttachOptions) error {
	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err == nil {
			restore = func() { term.Restore(fd, old) }
			defer restore()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !opts.Readonly {
		go watchResize(ctx, conn, fd)
	}

	readErr := make(chan error, 1)
	go func() { readErr <- pumpStdin(ctx, conn, opts) }()

	for {
		tag, payload, err := ipc.ReadStreamFrame(conn.Conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}
		switch tag {
		case ipc.StreamTagData:
			os.Stdout.Write(payload)
		case ipc.StreamTagControl:
			done, exitErr := handleEvent(payload)
			if done {
				cancel()
				return exitErr
			}
		}
	}
}

// pumpStdin copies stdin into the connection as data frames, watching for
// the local detach keystroke so it never reaches the PTY. Returns when ctx
// is cancelled (stream loop above decided to stop) or stdin closes.
func pumpStdin(ctx context.Context, conn *Conn, opts AttachOptions) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := indexByte(chunk, detachByte); i >= 0 {
				if i > 0 && !opts.Readonly {
					if werr := ipc.WriteStreamFrame(conn.Conn, ipc.StreamTagData, chunk[:i]); werr != nil {
						return werr
					}
				}
				detach, _ := json.Marshal(ipc.ControlEnvelope{Cmd: ipc.CtrlDetach})
				return ipc.WriteStreamFrame(conn.Conn, ipc.StreamTagControl, detach)
			}
			if !opts.Readonly {
				if werr := ipc.WriteStreamFrame(conn.Conn, ipc.StreamTagData, chunk); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// watchResize sends a resize control frame on SIGWINCH and once up front so
// the daemon's notion of terminal size matches reality immediately on
// attach, not just after the first resize event.
func watchResize(ctx context.Context, conn *Conn, fd int) {
	sendSize(conn, fd)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			sendSize(conn, fd)
		}
	}
}

func sendSize(conn *Conn, fd int) {
	if !term.IsTerminal(fd) {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(ipc.NewResizeControl(cols, rows))
	ipc.WriteStreamFrame(conn.Conn, ipc.StreamTagControl, payload)
}

// handleEvent decodes a control frame from the daemon. done is true once
// the stream loop should return; exitErr is non-nil only for a non-zero
// PTY exit code.
func handleEvent(payload []byte) (done bool, exitErr error) {
	var env ipc.ControlEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false, nil
	}
	switch env.Cmd {
	case ipc.CtrlPTYExited:
		var ev ipc.PTYExitedEvent
		json.Unmarshal(payload, &ev)
		if ev.Code != 0 {
			return true, fmt.Errorf("pty exited with code %d", ev.Code)
		}
		return true, nil
	case ipc.CtrlDetached:
		fmt.Fprintln(os.Stderr, "\r\n[detached]")
		return true, nil
	case ipc.CtrlRestarting:
		var ev ipc.PTYRestartingEvent
		json.Unmarshal(payload, &ev)
		fmt.Fprintf(os.Stderr, "\r\n[restarting in %dms]\r\n", ev.DelayMS)
		return false, nil
	default:
		return false, nil
	}
}
