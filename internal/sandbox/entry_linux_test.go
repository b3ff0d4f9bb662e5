//go:build linux

package sandbox

import (
	"strings"
	"testing"
)

func TestBuildEnv(t *testing.T) {
	cfg := Config{
		SandboxHome: "/home/coop",
		User:        "coop",
		Env:         map[string]string{"FOO": "bar"},
	}
	env := buildEnv(cfg)

	want := map[string]bool{"HOME=/home/coop": false, "USER=coop": false, "FOO=bar": false}
	for _, e := range env {
		if _, ok := want[e]; ok {
			want[e] = true
		}
		if strings.HasPrefix(e, "PATH=") && !strings.Contains(e, "/home/coop/.local/bin") {
			t.Fatalf("PATH missing ~/.local/bin prefix: %s", e)
		}
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("expected env to contain %q, got %v", k, env)
		}
	}
}

func TestLookPathFindsExecutable(t *testing.T) {
	env := []string{"PATH=/bin:/usr/bin"}
	if _, err := lookPath("sh", env); err != nil {
		t.Skipf("no /bin/sh or /usr/bin/sh on this system: %v", err)
	}
}

func TestLookPathAbsolute(t *testing.T) {
	path, err := lookPath("/bin/sh", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/bin/sh" {
		t.Fatalf("got %q", path)
	}
}
