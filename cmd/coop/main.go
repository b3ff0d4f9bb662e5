// Command coop is the CLI client for the coop daemon: create, attach to,
// and manage sandboxed interactive sessions over the Unix-socket IPC
// protocol implemented by internal/client.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vibesrc/coop/internal/client"
	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/ipc"
)

func main() {
	root := &cobra.Command{
		Use:   "coop",
		Short: "coop — sandboxed interactive sessions for coding agents",
	}

	root.AddCommand(
		createCmd(),
		attachCmd(),
		shellCmd(),
		lsCmd(),
		killCmd(),
		logsCmd(),
		restartCmd(),
		resizeCmd(),
		serveCmd(),
		daemonCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func socketPath() (string, error) {
	dir, err := config.DefaultDir()
	if err != nil {
		return "", err
	}
	return dir.SocketPath(), nil
}

func dial(ctx context.Context) (*client.Conn, error) {
	sock, err := socketPath()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, sock)
}

// ensureDaemon dials the socket, and if nothing answers, spawns coopd
// detached and retries once — so "coop create" works with no separate
// "start the daemon" step.
func ensureDaemon(ctx context.Context) (*client.Conn, error) {
	conn, err := dial(ctx)
	if err == nil {
		return conn, nil
	}

	exe, lookErr := exec.LookPath("coopd")
	if lookErr != nil {
		return nil, fmt.Errorf("coop daemon not reachable and coopd not found in PATH: %w", err)
	}
	cmd := exec.Command(exe)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if startErr := cmd.Start(); startErr != nil {
		return nil, fmt.Errorf("start coopd: %w", startErr)
	}
	cmd.Process.Release()

	return client.Dial(ctx, mustSocketPath())
}

func mustSocketPath() string {
	sock, err := socketPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error resolving coop dir:", err)
		os.Exit(1)
	}
	return sock
}

func createCmd() *cobra.Command {
	var name, coopfile string
	var detach, forceNew bool
	cmd := &cobra.Command{
		Use:   "create [workspace]",
		Short: "Create a session and attach to its agent PTY",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := "."
			if len(args) == 1 {
				workspace = args[0]
			}
			ctx := context.Background()
			conn, err := ensureDaemon(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			req := ipc.Request{
				Cmd:       ipc.CmdCreate,
				Name:      name,
				Workspace: workspace,
				Coopfile:  coopfile,
				Detach:    detach,
				ForceNew:  forceNew,
			}
			if detach {
				resp, err := conn.Do(req)
				if err != nil {
					return err
				}
				fmt.Printf("created: %s (pid %d)\n", resp.Session, resp.PID)
				return nil
			}
			return client.RunStream(ctx, conn, req, client.AttachOptions{})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (default: workspace directory name)")
	cmd.Flags().StringVar(&coopfile, "coopfile", "", "path to Coopfile (default: <workspace>/Coopfile)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "create without attaching")
	cmd.Flags().BoolVar(&forceNew, "force-new", false, "skip the early name/workspace check (a duplicate is still rejected when the session is registered)")
	return cmd
}

func attachCmd() *cobra.Command {
	var pty int
	cmd := &cobra.Command{
		Use:   "attach <session>",
		Short: "Attach to a session's PTY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			req := ipc.Request{Cmd: ipc.CmdAttach, Session: args[0], PTY: pty}
			return client.RunStream(ctx, conn, req, client.AttachOptions{})
		},
	}
	cmd.Flags().IntVar(&pty, "pty", 0, "PTY id to attach to")
	return cmd
}

func shellCmd() *cobra.Command {
	var command string
	var detach bool
	cmd := &cobra.Command{
		Use:   "shell <session>",
		Short: "Open an auxiliary shell PTY in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			req := ipc.Request{Cmd: ipc.CmdShell, Session: args[0], Command: command, Detach: detach}
			if detach {
				resp, err := conn.Do(req)
				if err != nil {
					return err
				}
				fmt.Printf("shell pty %d started (pid %d)\n", resp.PTY, resp.PID)
				return nil
			}
			return client.RunStream(ctx, conn, req, client.AttachOptions{})
		},
	}
	cmd.Flags().StringVar(&command, "command", "sh", "command to run")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "start without attaching")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			resp, err := conn.Do(ipc.Request{Cmd: ipc.CmdLs})
			if err != nil {
				return err
			}
			if len(resp.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tWORKSPACE\tPTYS\tLOCAL\tWEB")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.Name, s.Workspace, len(s.PTYs), s.Local, s.Web)
			}
			return w.Flush()
		},
	}
}

func killCmd() *cobra.Command {
	var force, all bool
	cmd := &cobra.Command{
		Use:   "kill [session]",
		Short: "Destroy a session (or every session with --all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("provide a session name or use --all")
			}
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			req := ipc.Request{Cmd: ipc.CmdKill, Force: force, All: all}
			if len(args) == 1 {
				req.Session = args[0]
			}
			resp, err := conn.Do(req)
			if err != nil {
				return err
			}
			if all {
				fmt.Println("all sessions killed")
			} else {
				fmt.Printf("killed: %s\n", resp.Session)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "SIGKILL instead of graceful shutdown")
	cmd.Flags().BoolVar(&all, "all", false, "kill every session")
	return cmd
}

func logsCmd() *cobra.Command {
	var pty, tail int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <session>",
		Short: "Show (or follow) a PTY's scrollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			req := ipc.Request{Cmd: ipc.CmdLogs, Session: args[0], PTY: pty, TailLines: tail, Follow: follow}
			if follow {
				return client.RunStream(ctx, conn, req, client.AttachOptions{Readonly: true})
			}
			resp, err := conn.Do(req)
			if err != nil {
				return err
			}
			return writeLogData(resp.LogData)
		},
	}
	cmd.Flags().IntVar(&pty, "pty", 0, "PTY id")
	cmd.Flags().IntVar(&tail, "tail", 0, "only show the last N lines (0 = everything)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new output as it arrives")
	return cmd
}

func restartCmd() *cobra.Command {
	var pty int
	var command string
	cmd := &cobra.Command{
		Use:   "restart <session>",
		Short: "Restart a PTY's command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			resp, err := conn.Do(ipc.Request{Cmd: ipc.CmdRestart, Session: args[0], PTY: pty, Command: command})
			if err != nil {
				return err
			}
			fmt.Printf("restarted pty %d (pid %d)\n", resp.PTY, resp.PID)
			return nil
		},
	}
	cmd.Flags().IntVar(&pty, "pty", 0, "PTY id")
	cmd.Flags().StringVar(&command, "command", "", "command to run (default: reuse the PTY's current command)")
	return cmd
}

func resizeCmd() *cobra.Command {
	var pty, cols, rows int
	cmd := &cobra.Command{
		Use:   "resize <session>",
		Short: "Resize a PTY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Do(ipc.Request{Cmd: ipc.CmdResize, Session: args[0], PTY: pty, Cols: cols, Rows: rows})
			return err
		},
	}
	cmd.Flags().IntVar(&pty, "pty", 0, "PTY id")
	cmd.Flags().IntVar(&cols, "cols", 80, "columns")
	cmd.Flags().IntVar(&rows, "rows", 24, "rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var host, token string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose every session over WebSocket for the web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			resp, err := conn.Do(ipc.Request{Cmd: ipc.CmdServe, Host: host, Port: port, Token: token})
			if err != nil {
				return err
			}
			fmt.Printf("serving on %s:%d (machine %s)\n", resp.Host, resp.Port, resp.MachineID)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "bind address")
	cmd.Flags().IntVar(&port, "port", 0, "bind port (0 = random)")
	cmd.Flags().StringVar(&token, "token", "", "require this token as a ?token= query param")
	return cmd
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the coop daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "shutdown",
		Short: "Stop the coop daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Do(ipc.Request{Cmd: ipc.CmdShutdown})
			if err != nil {
				return err
			}
			fmt.Println("daemon shutting down")
			return nil
		},
	})
	return cmd
}

func writeLogData(b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode log data: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}
