package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkMode selects how much network access a sandbox gets.
type NetworkMode string

const (
	NetworkHost  NetworkMode = "host"  // no network namespace at all
	NetworkLocal NetworkMode = "local" // namespaced but loopback reachable
	NetworkFull  NetworkMode = "full"  // namespaced with full egress
)

// Mount is a "host:container" bind mount entry. Container may begin with
// "~/" to be expanded against the sandbox home.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

func (m Mount) String() string {
	s := m.Host + ":" + m.Container
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// ParseMount parses a "host:container[:ro]" string.
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return Mount{}, fmt.Errorf("invalid mount %q: want host:container", s)
	}
	m := Mount{Host: parts[0], Container: parts[1]}
	if len(parts) == 3 && parts[2] == "ro" {
		m.ReadOnly = true
	}
	return m, nil
}

// Coopfile is the per-session configuration, loaded fresh on Create and
// re-read by the PTY supervisor before every Restart so edits to the agent
// command, env, or restart delay take effect without tearing down the
// sandbox.
type Coopfile struct {
	// Agent entry point.
	Agent     string            `yaml:"agent"`
	AgentArgs []string          `yaml:"agent_args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`

	// Restart policy: delay before restarting PTY 0 after it exits.
	AutoRestart  bool          `yaml:"auto_restart"`
	RestartDelay time.Duration `yaml:"restart_delay,omitempty"`

	// Sandbox identity and filesystem.
	User      string      `yaml:"user,omitempty"`      // sandbox uid-0 username, default "coop"
	Home      string      `yaml:"home,omitempty"`      // default "/home/<user>"
	Workspace string      `yaml:"workspace,omitempty"` // in-sandbox workspace path, default "/workspace"
	Mounts    []string    `yaml:"mounts,omitempty"`    // "host:container[:ro]"
	Volumes   []string    `yaml:"volumes,omitempty"`   // named volumes shared across sessions
	Network   NetworkMode `yaml:"network,omitempty"`
}

// Default returns a Coopfile with the defaults assumed when a field is
// left unset.
func Default() Coopfile {
	return Coopfile{
		Agent:        "claude",
		AutoRestart:  true,
		RestartDelay: 2 * time.Second,
		User:         "coop",
		Home:         "/home/coop",
		Workspace:    "/workspace",
		Network:      NetworkFull,
	}
}

// Load reads a Coopfile from path, filling unset fields from Default().
// A missing file is not an error — the defaults are returned as-is, so a
// workspace with no Coopfile still produces a runnable session.
func Load(path string) (Coopfile, error) {
	cf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cf, nil
		}
		return cf, fmt.Errorf("read coopfile: %w", err)
	}
	// Home's default depends on user, so it is filled in after decoding.
	cf.Home = ""
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return cf, fmt.Errorf("parse coopfile %s: %w", path, err)
	}
	if cf.Home == "" {
		cf.Home = "/home/" + cf.User
	}
	return cf, nil
}

// ParsedMounts converts the Coopfile's string mount list into Mount values,
// skipping (and logging to the caller via the returned slice order) any
// entries that fail to parse.
func (c Coopfile) ParsedMounts() ([]Mount, []error) {
	var mounts []Mount
	var errs []error
	for _, s := range c.Mounts {
		m, err := ParseMount(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mounts = append(mounts, m)
	}
	return mounts, errs
}

// ExpandHome expands a leading "~/" in a container path against home.
func ExpandHome(p, home string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, strings.TrimPrefix(p, "~/"))
	}
	return p
}

// MachineID returns the stable 8-hex machine id at <coop-dir>/machine_id,
// generating one on first use.
func MachineID(d Dir) (string, error) {
	path := d.MachineIDFile()
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) == 8 {
			return id, nil
		}
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate machine id: %w", err)
	}
	id := fmt.Sprintf("%x", buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
