//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Reenter runs the namespace re-entry path: it re-execs the current
// binary as enterSubcommand, handing it the five pinned namespace handles as
// extra files, and that child setns's into them before exec'ing the given
// command under the supplied PTY slave.
//
// setns(CLONE_NEWUSER, ...) is documented by the kernel to fail with EINVAL
// when the calling process is multithreaded, which every Go binary is by
// the time its own init/runtime has started. RunEnter below calls
// runtime.LockOSThread() and performs the setns sequence as the very first
// thing the re-exec'd process does, before starting any other goroutine —
// this keeps the window as small as practical but does not eliminate the
// race against the Go runtime's own background threads (sysmon in
// particular). This mirrors a known, documented limitation of doing
// privileged namespace joins from pure Go rather than a tiny pre-runtime
// (e.g. cgo constructor) shim; see DESIGN.md.
func Reenter(ctx context.Context, h *Handles, cfg Config, slave *os.File) (int, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("marshal sandbox config: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	extra := []*os.File{h.User, h.Mount, h.UTS}
	netIdx := -1
	if h.Net != nil {
		netIdx = len(extra)
		extra = append(extra, h.Net)
	}
	rootIdx := len(extra)
	extra = append(extra, h.Root)

	args := []string{enterSubcommand, string(payload), fmt.Sprintf("%d", netIdx), fmt.Sprintf("%d", rootIdx)}
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.ExtraFiles = extra
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start sandbox enter: %w", err)
	}
	return cmd.Process.Pid, nil
}

// RunEnter is the child-side entry point when this binary was re-exec'd as
// enterSubcommand. netFd is -1 when the session has no network namespace.
func RunEnter(configJSON string, userFd, mountFd, utsFd, netFd, rootFd int) {
	runtime.LockOSThread()

	var cfg Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: decode config: %v\n", err)
		os.Exit(1)
	}

	if err := unix.Setns(userFd, unix.CLONE_NEWUSER); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: setns user: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Setns(mountFd, unix.CLONE_NEWNS); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: setns mnt: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Setns(utsFd, unix.CLONE_NEWUTS); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: setns uts: %v\n", err)
		os.Exit(1)
	}
	if netFd >= 0 {
		if err := unix.Setns(netFd, unix.CLONE_NEWNET); err != nil {
			fmt.Fprintf(os.Stderr, "_sandbox_enter: setns net: %v\n", err)
			os.Exit(1)
		}
	}

	if err := unix.Fchdir(rootFd); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: fchdir root: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Chroot("."); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: chroot: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: chdir /: %v\n", err)
		os.Exit(1)
	}

	if err := execAgent(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: exec: %v\n", err)
		os.Exit(1)
	}
}
