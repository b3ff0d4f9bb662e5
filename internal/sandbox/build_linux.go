//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vibesrc/coop/internal/config"
)

// initSubcommand is the hidden argv[1] the daemon re-execs itself with to
// become the namespace-builder child. Dispatched from cmd/coopd's main
// before cobra ever sees the arguments.
const initSubcommand = "_sandbox_init"

// enterSubcommand is the hidden argv[1] for namespace re-entry.
const enterSubcommand = "_sandbox_enter"

// HasNamespaceCapability reports whether this process can plausibly create
// user namespaces: running as root, holding CAP_SYS_ADMIN, or the kernel
// allowing unprivileged user namespaces outright. Build still fails loudly
// if the subsequent unshare fails despite a positive answer here — this is
// a cheap pre-check, not a guarantee.
func HasNamespaceCapability() bool {
	if os.Geteuid() == 0 {
		return true
	}
	// VERSION_1 needs only one CapUserData struct; VERSION_3 requires
	// [2]CapUserData and the kernel writes past a single one. VERSION_1
	// covers caps 0-31, which includes CAP_SYS_ADMIN (21).
	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0
	if err := unix.Capget(&hdr, &data); err == nil {
		if data.Effective&(1<<unix.CAP_SYS_ADMIN) != 0 {
			return true
		}
	}
	if val, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return strings.TrimSpace(string(val)) == "1"
	}
	return probeUserNamespace()
}

func probeUserNamespace() bool {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}},
	}
	return cmd.Run() == nil
}

// Build runs the namespace builder: it re-execs the current binary as
// initSubcommand inside new user/mount/uts[/net] namespaces, synchronizes
// UID/GID mapping and filesystem setup across three pipes, then pins the
// resulting namespace handles for the Session's lifetime.
func Build(ctx context.Context, cfg Config, slave *os.File) (*BuildResult, error) {
	if !HasNamespaceCapability() {
		return nil, fmt.Errorf("need root or CAP_SYS_ADMIN for namespaces")
	}

	childReadyR, childReadyW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer childReadyR.Close()
	mapsDoneR, mapsDoneW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer mapsDoneW.Close()
	fsReadyR, fsReadyW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer fsReadyR.Close()

	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox config: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, initSubcommand, string(payload))
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.ExtraFiles = []*os.File{childReadyW, mapsDoneR, fsReadyW}
	cloneFlags := uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS)
	if cfg.Network != config.NetworkHost {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Setsid:     true,
		Setctty:    true,
		Ctty:       0,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox init: %w", err)
	}
	// The child holds its own copies of these three fds; close ours so pipe
	// reads/writes see EOF if the child dies mid-handshake instead of hanging.
	childReadyW.Close()
	mapsDoneR.Close()
	fsReadyW.Close()

	pid := cmd.Process.Pid

	if err := waitByte(ctx, childReadyR); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("wait for child unshare: %w", err)
	}

	if err := writeIDMaps(pid); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("write id maps: %w", err)
	}
	if err := signalByte(mapsDoneW); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("signal maps done: %w", err)
	}

	if err := waitByte(ctx, fsReadyR); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("wait for filesystem setup: %w", err)
	}

	handles, err := pinNamespaces(pid, cfg.Network != config.NetworkHost)
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("pin namespace handles: %w", err)
	}

	return &BuildResult{Handles: *handles, PID: pid}, nil
}

func pinNamespaces(pid int, withNet bool) (*Handles, error) {
	open := func(kind string) (*os.File, error) {
		return os.OpenFile(fmt.Sprintf("/proc/%d/ns/%s", pid, kind), os.O_RDONLY, 0)
	}
	h := &Handles{}
	var err error
	if h.User, err = open("user"); err != nil {
		return nil, err
	}
	if h.Mount, err = open("mnt"); err != nil {
		h.Close()
		return nil, err
	}
	if h.UTS, err = open("uts"); err != nil {
		h.Close()
		return nil, err
	}
	if withNet {
		if h.Net, err = open("net"); err != nil {
			h.Close()
			return nil, err
		}
	}
	if h.Root, err = os.OpenFile(fmt.Sprintf("/proc/%d/root", pid), os.O_RDONLY|syscall.O_DIRECTORY, 0); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func waitByte(ctx context.Context, r *os.File) error {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := r.Read(buf)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func signalByte(w *os.File) error {
	_, err := w.Write([]byte{1})
	return err
}

// RunInit is the child-side entry point when this binary was re-exec'd as
// initSubcommand. It never returns: it either execve's into the agent or
// os.Exit(1)s on setup failure.
func RunInit(configJSON string, childReadyFd, mapsDoneFd, fsReadyFd int) {
	var cfg Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_init: decode config: %v\n", err)
		os.Exit(1)
	}

	childReadyW := os.NewFile(uintptr(childReadyFd), "child-ready")
	mapsDoneR := os.NewFile(uintptr(mapsDoneFd), "maps-done")
	fsReadyW := os.NewFile(uintptr(fsReadyFd), "fs-ready")

	if err := signalByte(childReadyW); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_init: signal child ready: %v\n", err)
		os.Exit(1)
	}
	childReadyW.Close()

	buf := make([]byte, 1)
	if _, err := mapsDoneR.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_init: wait for id maps: %v\n", err)
		os.Exit(1)
	}
	mapsDoneR.Close()

	if err := setupFilesystem(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_init: filesystem setup: %v\n", err)
		os.Exit(1)
	}

	if err := signalByte(fsReadyW); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_init: signal fs ready: %v\n", err)
		os.Exit(1)
	}
	fsReadyW.Close()

	if err := execAgent(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_init: exec agent: %v\n", err)
		os.Exit(1)
	}
}
