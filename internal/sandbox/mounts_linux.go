//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/vibesrc/coop/internal/config"
)

// setupFilesystem performs the child-side filesystem setup: make the mount
// namespace private, overlay-mount the root (with a fallback ladder),
// bind-mount the workspace and device nodes, apply explicit mounts and
// volumes, write /etc files, then pivot_root.
func setupFilesystem(cfg Config) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make root private: %w", err)
	}

	if err := mountOverlayRoot(cfg); err != nil {
		return fmt.Errorf("mount overlay root: %w", err)
	}

	if err := bindMount(cfg.HostWorkspace, filepath.Join(cfg.Merged, strings.TrimPrefix(cfg.SandboxWork, "/")), false); err != nil {
		return fmt.Errorf("bind workspace: %w", err)
	}

	if err := mountPseudoFilesystems(cfg.Merged); err != nil {
		return fmt.Errorf("mount pseudo filesystems: %w", err)
	}

	if err := applyExplicitMounts(cfg); err != nil {
		return fmt.Errorf("apply explicit mounts: %w", err)
	}

	if err := applyVolumes(cfg); err != nil {
		return fmt.Errorf("apply volumes: %w", err)
	}

	if err := applyPersist(cfg); err != nil {
		return fmt.Errorf("apply persist dir: %w", err)
	}

	if err := writeEtcFiles(cfg); err != nil {
		return fmt.Errorf("write /etc files: %w", err)
	}

	return pivotInto(cfg.Merged)
}

// mountOverlayRoot tries overlay with redirect_dir, then without, then falls
// back to a plain read-only bind of the base image.
func mountOverlayRoot(cfg Config) error {
	for _, dir := range []string{cfg.Upper, cfg.Work, cfg.Merged} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s,redirect_dir=on", cfg.RootfsBase, cfg.Upper, cfg.Work)
	if err := unix.Mount("overlay", cfg.Merged, "overlay", 0, opts); err == nil {
		return nil
	}

	opts = fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", cfg.RootfsBase, cfg.Upper, cfg.Work)
	if err := unix.Mount("overlay", cfg.Merged, "overlay", 0, opts); err == nil {
		return nil
	}

	return bindMount(cfg.RootfsBase, cfg.Merged, true)
}

func bindMount(src, dst string, readonly bool) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	if readonly {
		return unix.Mount("", dst, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, "")
	}
	return nil
}

func mountPseudoFilesystems(root string) error {
	procDst := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDst, 0755); err != nil {
		return err
	}
	if err := unix.Mount("proc", procDst, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		if err := bindMount("/proc", procDst, false); err != nil {
			return fmt.Errorf("mount proc (and bind fallback): %w", err)
		}
	}

	tmpDst := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDst, 01777); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", tmpDst, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return fmt.Errorf("mount /tmp: %w", err)
	}

	devDst := filepath.Join(root, "dev")
	if err := os.MkdirAll(devDst, 0755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", devDst, "tmpfs", unix.MS_NOSUID, "mode=0755"); err != nil {
		return fmt.Errorf("mount /dev: %w", err)
	}

	ptsDst := filepath.Join(devDst, "pts")
	if err := os.MkdirAll(ptsDst, 0755); err != nil {
		return err
	}
	if err := unix.Mount("devpts", ptsDst, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return fmt.Errorf("mount devpts: %w", err)
	}
	if err := os.Symlink("pts/ptmx", filepath.Join(devDst, "ptmx")); err != nil {
		return fmt.Errorf("symlink ptmx: %w", err)
	}

	for _, name := range []string{"fd", "stdin", "stdout", "stderr"} {
		target := map[string]string{
			"fd":     "/proc/self/fd",
			"stdin":  "/proc/self/fd/0",
			"stdout": "/proc/self/fd/1",
			"stderr": "/proc/self/fd/2",
		}[name]
		if err := os.Symlink(target, filepath.Join(devDst, name)); err != nil {
			return fmt.Errorf("symlink /dev/%s: %w", name, err)
		}
	}

	for _, name := range []string{"null", "zero", "random", "urandom"} {
		dst := filepath.Join(devDst, name)
		if err := os.WriteFile(dst, nil, 0666); err != nil {
			return fmt.Errorf("create /dev/%s: %w", name, err)
		}
		if err := unix.Mount("/dev/"+name, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind /dev/%s: %w", name, err)
		}
	}

	return nil
}

// applyExplicitMounts wires the Coopfile's `mounts:` list: strings of the
// form host:container, where container may begin with ~/ expanded against
// the sandbox home.
func applyExplicitMounts(cfg Config) error {
	for _, m := range cfg.Mounts {
		container := config.ExpandHome(m.Container, cfg.SandboxHome)
		dst := filepath.Join(cfg.Merged, strings.TrimPrefix(container, "/"))
		if err := bindMount(m.Host, dst, m.ReadOnly); err != nil {
			return fmt.Errorf("mount %s: %w", m.String(), err)
		}
	}
	return nil
}

// applyVolumes mounts named volumes (managed directories under a per-user
// volumes root), seeding a fresh volume from the host path it shadows if one
// exists.
func applyVolumes(cfg Config) error {
	for _, name := range cfg.Volumes {
		host := filepath.Join(cfg.VolumesRoot, name)
		if err := os.MkdirAll(host, 0755); err != nil {
			return err
		}
		container := config.ExpandHome("~/"+name, cfg.SandboxHome)
		dst := filepath.Join(cfg.Merged, strings.TrimPrefix(container, "/"))
		if empty, _ := dirIsEmpty(host); empty {
			if seed := filepath.Join(cfg.Merged, strings.TrimPrefix(container, "/")); seed != host {
				_ = copyTree(seed, host)
			}
		}
		if err := bindMount(host, dst, false); err != nil {
			return fmt.Errorf("mount volume %s: %w", name, err)
		}
	}
	return nil
}

// applyPersist bind-mounts the session's persist directory onto the
// sandbox workspace's .coop-persist subtree, unless an explicit mount
// already covers that path.
func applyPersist(cfg Config) error {
	if cfg.PersistDir == "" {
		return nil
	}
	target := filepath.Join(cfg.SandboxWork, ".coop-persist")
	for _, m := range cfg.Mounts {
		if config.ExpandHome(m.Container, cfg.SandboxHome) == target {
			return nil
		}
	}
	if err := os.MkdirAll(cfg.PersistDir, 0755); err != nil {
		return err
	}
	dst := filepath.Join(cfg.Merged, strings.TrimPrefix(target, "/"))
	return bindMount(cfg.PersistDir, dst, false)
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true, err
	}
	return len(entries) == 0, nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return err
	}
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, fi.Mode())
	})
}

// writeEtcFiles writes /etc/{passwd,group,shadow,hosts} reflecting the
// configured sandbox user as uid 0, and copies the host's /etc/resolv.conf
// unless the network mode is host.
func writeEtcFiles(cfg Config) error {
	etc := filepath.Join(cfg.Merged, "etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return err
	}
	user := cfg.User
	if user == "" {
		user = "coop"
	}
	home := cfg.SandboxHome
	if home == "" {
		home = "/home/" + user
	}

	passwd := fmt.Sprintf("root:x:0:0:%s:%s:/bin/sh\n", user, home)
	if err := os.WriteFile(filepath.Join(etc, "passwd"), []byte(passwd), 0644); err != nil {
		return err
	}
	group := fmt.Sprintf("root:x:0:\n%s:x:0:\n", user)
	if err := os.WriteFile(filepath.Join(etc, "group"), []byte(group), 0644); err != nil {
		return err
	}
	shadow := "root:!:19000:0:99999:7:::\n"
	if err := os.WriteFile(filepath.Join(etc, "shadow"), []byte(shadow), 0600); err != nil {
		return err
	}
	hosts := "127.0.0.1\tlocalhost\n::1\tlocalhost\n"
	if err := os.WriteFile(filepath.Join(etc, "hosts"), []byte(hosts), 0644); err != nil {
		return err
	}
	if cfg.Network != config.NetworkHost {
		if data, err := os.ReadFile("/etc/resolv.conf"); err == nil {
			_ = os.WriteFile(filepath.Join(etc, "resolv.conf"), data, 0644)
		}
	}
	return os.MkdirAll(filepath.Join(cfg.Merged, strings.TrimPrefix(home, "/")), 0755)
}

// pivotInto pivot_roots into newRoot, chdirs to /, and lazily unmounts the
// old root.
func pivotInto(newRoot string) error {
	oldRootRel := ".coop-oldroot"
	oldRoot := filepath.Join(newRoot, oldRootRel)
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir oldroot: %w", err)
	}
	if err := unix.PivotRoot(newRoot, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Unmount("/"+oldRootRel, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("lazy unmount oldroot: %w", err)
	}
	return os.RemoveAll("/" + oldRootRel)
}
