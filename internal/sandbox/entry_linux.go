//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// shells is used to decide whether to add "-l" for login semantics when the
// configured command has no explicit arguments.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true,
}

// buildEnv assembles the environment for the exec'd agent: HOME, USER, TERM,
// a PATH prefixed with ~/.local/bin, then every user-supplied variable.
func buildEnv(cfg Config) []string {
	home := cfg.SandboxHome
	user := cfg.User
	env := []string{
		"HOME=" + home,
		"USER=" + user,
		"TERM=xterm-256color",
		"PATH=" + filepath.Join(home, ".local/bin") + ":/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// execAgent chdirs into the in-sandbox workspace and execve's the agent
// command, falling back to `/bin/sh -c <command>` if the direct exec fails.
func execAgent(cfg Config) error {
	if err := syscall.Chdir(cfg.SandboxWork); err != nil {
		return err
	}

	argv := append([]string{cfg.Command}, cfg.Args...)
	base := filepath.Base(cfg.Command)
	if shells[base] && len(cfg.Args) == 0 {
		argv = append(argv, "-l")
	}

	env := buildEnv(cfg)
	if path, err := lookPath(cfg.Command, env); err == nil {
		_ = syscall.Exec(path, argv, env) // only returns on failure
	}

	full := strings.Join(append([]string{cfg.Command}, cfg.Args...), " ")
	return syscall.Exec("/bin/sh", []string{"/bin/sh", "-c", full}, env)
}

// lookPath resolves name against the PATH found in env, mirroring
// exec.LookPath without requiring the calling process's own environment.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	var pathVar string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			pathVar = strings.TrimPrefix(e, "PATH=")
		}
	}
	for _, dir := range strings.Split(pathVar, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", os.ErrNotExist
}
