// Command coopd is the coop daemon: it owns the Unix socket, the session
// registry, and the sandboxed processes every session runs. This binary is
// also its own namespace-builder re-exec target — argv[1] is checked for
// the hidden _sandbox_init / _sandbox_enter subcommands before cobra ever
// sees the argument list, since those invocations carry raw fd numbers and
// a JSON config blob rather than a normal CLI surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/daemon"
	"github.com/vibesrc/coop/internal/logger"
	"github.com/vibesrc/coop/internal/sandbox"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "_sandbox_init":
			runSandboxInit(os.Args[2])
			return
		case "_sandbox_enter":
			runSandboxEnter(os.Args[2], os.Args[3], os.Args[4])
			return
		}
	}

	root := &cobra.Command{
		Use:   "coopd",
		Short: "coop session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.DefaultDir()
			if err != nil {
				return fmt.Errorf("resolve coop dir: %w", err)
			}
			if err := dir.EnsureLayout(); err != nil {
				return fmt.Errorf("ensure coop-dir layout: %w", err)
			}

			logLevel, _ := cmd.Flags().GetString("log-level")
			if err := logger.Init(logLevel, dir.LogFile()); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, dir, logger.Log)
		},
	}
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runSandboxInit is the child-side entry point after the init re-exec: three
// extra fds (child-ready write, maps-done read, fs-ready write) land at 3,4,5
// because ExtraFiles is appended after stdin/stdout/stderr.
func runSandboxInit(configJSON string) {
	sandbox.RunInit(configJSON, 3, 4, 5)
}

// runSandboxEnter is the child-side entry point after the enter re-exec.
// netIdxArg/rootIdxArg are the ExtraFiles-relative positions Reenter encoded
// into argv; -1 for netIdx means the session has no network namespace.
func runSandboxEnter(configJSON, netIdxArg, rootIdxArg string) {
	netIdx, err := strconv.Atoi(netIdxArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: bad net index: %v\n", err)
		os.Exit(1)
	}
	rootIdx, err := strconv.Atoi(rootIdxArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "_sandbox_enter: bad root index: %v\n", err)
		os.Exit(1)
	}

	const extraBase = 3
	netFd := -1
	if netIdx >= 0 {
		netFd = extraBase + netIdx
	}
	sandbox.RunEnter(configJSON, extraBase+0, extraBase+1, extraBase+2, netFd, extraBase+rootIdx)
}
