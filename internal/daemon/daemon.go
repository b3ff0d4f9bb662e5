// Package daemon runs the long-lived coop process: it owns the Unix socket
// clients dial, the session registry every request operates on, and the
// idle-shutdown policy that lets an unattended daemon exit cleanly instead
// of lingering forever.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/session"
	"github.com/vibesrc/coop/internal/tunnel"
)

// idleTick is how often the accept loop wakes up to check whether it should
// exit for lack of anything to do.
const idleTick = 30 * time.Second

// Daemon owns the session registry and the socket clients connect to.
type Daemon struct {
	Dir       config.Dir
	Registry  *session.Registry
	Log       *slog.Logger
	MachineID string

	lastActivity atomic.Int64 // unix nanos
	cancel       context.CancelFunc

	serveMu   sync.Mutex
	serveAddr string
	serveHost string
	servePort int
	tunnelMgr *tunnel.Manager
}

// Run listens on dir's Unix socket and serves connections until ctx is
// cancelled or the daemon decides to exit on its own (idle with no
// sessions). It always cleans up the socket and pid files on the way out.
func Run(ctx context.Context, dir config.Dir, log *slog.Logger) error {
	if err := dir.EnsureLayout(); err != nil {
		return fmt.Errorf("ensure coop-dir layout: %w", err)
	}

	lockFile, err := acquireLock(dir.LockFile())
	if err != nil {
		return err
	}
	defer lockFile.Close()

	sockPath := dir.SocketPath()
	if err := refuseSymlink(sockPath); err != nil {
		return err
	}
	os.Remove(sockPath)

	ln, err := listenSocket(sockPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", sockPath, err)
	}
	defer ln.Close()
	defer os.Remove(sockPath)

	if err := os.WriteFile(dir.PidFile(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Warn("write pid file", "err", err)
	}
	defer os.Remove(dir.PidFile())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	machineID, err := config.MachineID(dir)
	if err != nil {
		log.Warn("machine id unavailable", "err", err)
	}

	d := &Daemon{Dir: dir, Registry: session.NewRegistry(), Log: log, MachineID: machineID, cancel: cancel}
	d.touch()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult)
	go func() {
		for {
			conn, err := ln.Accept()
			accepted <- acceptResult{conn, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()

	log.Info("coop daemon listening", "socket", sockPath, "machine_id", machineID)

	for {
		select {
		case <-runCtx.Done():
			d.shutdownAll()
			return nil

		case r := <-accepted:
			if r.err != nil {
				return fmt.Errorf("accept: %w", r.err)
			}
			d.touch()
			go d.handleConn(runCtx, r.conn)

		case <-ticker.C:
			if d.Registry.Len() == 0 && time.Since(d.lastActivityTime()) >= idleTick {
				log.Info("idle with no sessions, exiting")
				d.shutdownAll()
				return nil
			}
		}
	}
}

func (d *Daemon) touch() { d.lastActivity.Store(time.Now().UnixNano()) }

func (d *Daemon) lastActivityTime() time.Time {
	return time.Unix(0, d.lastActivity.Load())
}

// shutdownAll destroys every live session so sandboxed processes don't
// outlive the daemon that was supervising them.
func (d *Daemon) shutdownAll() {
	for _, s := range d.Registry.List() {
		if err := s.Destroy(true); err != nil {
			d.Log.Warn("destroy session on shutdown", "session", s.Name, "err", err)
		}
		d.Registry.Remove(s.Name)
	}
}

// acquireLock takes an exclusive, non-blocking flock on path, creating it
// if needed. It fails fast with a clear error if another coop daemon
// already holds it, rather than letting two daemons race the same coop-dir
// (stomping each other's socket, pid file, and sessions).
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another coop daemon already holds %s: %w", path, err)
	}
	return f, nil
}

// listenSocket binds the Unix socket with a restrictive umask so the file
// is created 0600: only this uid can connect, matching the peer-uid check
// CheckPeerUID performs on every accepted connection.
func listenSocket(path string) (net.Listener, error) {
	old := syscall.Umask(0o177)
	defer syscall.Umask(old)
	return net.Listen("unix", path)
}

// refuseSymlink refuses to bind a socket path that is itself a symlink, so
// a malicious actor can't redirect the daemon's socket into another user's
// directory. Only the final path entry is checked; a symlinked parent
// directory is not refused.
func refuseSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // doesn't exist yet, nothing to refuse
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to bind socket at %s: existing entry is a symlink", path)
	}
	return nil
}
