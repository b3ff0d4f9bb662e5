//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"os"
)

// initSubcommand / enterSubcommand are kept as the same hidden argv[1]
// values as the Linux build so cmd/coopd's dispatch logic doesn't need a
// build tag of its own.
const (
	initSubcommand  = "_sandbox_init"
	enterSubcommand = "_sandbox_enter"
)

// HasNamespaceCapability is always false off Linux: the sandbox model is
// Linux namespaces, not a portable abstraction.
func HasNamespaceCapability() bool { return false }

func Build(ctx context.Context, cfg Config, slave *os.File) (*BuildResult, error) {
	return nil, fmt.Errorf("sandbox: namespace isolation is only available on Linux")
}

func Reenter(ctx context.Context, h *Handles, cfg Config, slave *os.File) (int, error) {
	return 0, fmt.Errorf("sandbox: namespace isolation is only available on Linux")
}

func RunInit(configJSON string, childReadyFd, mapsDoneFd, fsReadyFd int) {
	fmt.Fprintln(os.Stderr, "_sandbox_init is only supported on Linux")
	os.Exit(1)
}

func RunEnter(configJSON string, userFd, mountFd, utsFd, netFd, rootFd int) {
	fmt.Fprintln(os.Stderr, "_sandbox_enter is only supported on Linux")
	os.Exit(1)
}
