// Package config resolves the coop-dir layout and loads the per-session
// Coopfile. Layered merge across user/project config tiers is out of
// scope — this is a single-document load with defaults.
package config

import (
	"os"
	"path/filepath"
)

// Dir is the coop-dir on-disk layout.
type Dir struct {
	Root string
}

// DefaultDir returns ~/.coop unless COOP_DIR overrides it.
func DefaultDir() (Dir, error) {
	if v := os.Getenv("COOP_DIR"); v != "" {
		return Dir{Root: v}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Dir{}, err
	}
	return Dir{Root: filepath.Join(home, ".coop")}, nil
}

func (d Dir) SocketPath() string      { return filepath.Join(d.Root, "sock") }
func (d Dir) PidFile() string         { return filepath.Join(d.Root, "daemon.pid") }
func (d Dir) LockFile() string        { return filepath.Join(d.Root, "daemon.lock") }
func (d Dir) LogFile() string         { return filepath.Join(d.Root, "logs", "daemon.log") }
func (d Dir) RootfsBase() string      { return filepath.Join(d.Root, "rootfs", "base") }
func (d Dir) RootfsManifest() string  { return filepath.Join(d.Root, "rootfs", "manifest") }
func (d Dir) SessionsDir() string     { return filepath.Join(d.Root, "sessions") }
func (d Dir) SessionDir(name string) string {
	return filepath.Join(d.SessionsDir(), name)
}
func (d Dir) VolumesDir() string      { return filepath.Join(d.Root, "volumes") }
func (d Dir) OCICacheDir() string     { return filepath.Join(d.Root, "cache", "oci") }
func (d Dir) MachineIDFile() string   { return filepath.Join(d.Root, "machine_id") }

// SessionPaths returns the overlay + persist subtree for one session.
type SessionPaths struct {
	Upper   string
	Work    string
	Merged  string
	Persist string
	Volumes string
}

func (d Dir) Session(name string) SessionPaths {
	base := d.SessionDir(name)
	return SessionPaths{
		Upper:   filepath.Join(base, "upper"),
		Work:    filepath.Join(base, "work"),
		Merged:  filepath.Join(base, "merged"),
		Persist: filepath.Join(base, "persist"),
		Volumes: filepath.Join(base, "volumes"),
	}
}

// EnsureLayout creates the directories the daemon needs up front. The
// overlay/persist subtrees for a given session are created on demand by
// the namespace builder, not here.
func (d Dir) EnsureLayout() error {
	for _, p := range []string{
		d.Root,
		filepath.Join(d.Root, "logs"),
		filepath.Join(d.Root, "rootfs"),
		d.SessionsDir(),
		d.VolumesDir(),
		d.OCICacheDir(),
	} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}
