// Package sandbox builds and re-enters the Linux namespace sandbox each
// session runs in: an overlay root filesystem, a bind-mounted workspace, and
// a PTY as the controlling terminal of the process inside it.
package sandbox

import (
	"os"

	"github.com/vibesrc/coop/internal/config"
)

// Config describes one session's sandbox: where its filesystem layers live
// on the host, what gets bind-mounted in, and the identity the agent runs as.
type Config struct {
	RootfsBase string // read-only base image (overlay lowerdir)
	Upper      string // overlay upperdir, unique per session
	Work       string // overlay workdir, unique per session
	Merged     string // overlay merge point == the new root

	PersistDir  string // host dir bind-mounted to <workspace>/.coop-persist
	VolumesRoot string // per-user root that named volumes live under

	HostWorkspace string // host path bind-mounted into the sandbox
	SandboxHome   string // e.g. /home/coop
	SandboxWork   string // e.g. /workspace, inside the sandbox
	User          string

	Env     map[string]string
	Mounts  []config.Mount
	Volumes []string
	Network config.NetworkMode

	Command string
	Args    []string
}

// Handles are the five pinned namespace handles a Session keeps open for its
// entire life. Net is nil when Network == Host, since no network namespace
// is created in that mode.
type Handles struct {
	User  *os.File
	Mount *os.File
	UTS   *os.File
	Net   *os.File
	Root  *os.File
}

// Close releases every handle exactly once. Safe to call on a zero-value or
// partially populated Handles (e.g. Build failed partway through).
func (h *Handles) Close() error {
	var firstErr error
	for _, f := range []*os.File{h.User, h.Mount, h.UTS, h.Net, h.Root} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	*h = Handles{}
	return firstErr
}

// BuildResult is what the namespace builder hands back to the session.
type BuildResult struct {
	Handles Handles
	PID     int
}
