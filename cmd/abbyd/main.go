// Command abbyd is both the trusted local player daemon and, when
// invoked without --daemon, a thin CLI client for its own control
// socket: the same binary that owns the decrypt/buffer/stream
// pipeline also ships the play/stop/pause/... commands a user runs
// from a shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kenchrcum/abby/internal/localclient"
)

func main() {
	var (
		configPath string
		daemonMode bool
		socketPath string
	)

	root := &cobra.Command{
		Use:   "abbyd",
		Short: "Abby player daemon and control-socket client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !daemonMode {
				return cmd.Help()
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return runDaemon(ctx, configPath)
		},
	}
	root.Flags().BoolVar(&daemonMode, "daemon", false, "start the player daemon service")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the daemon's YAML configuration file")
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/abbyd/control.sock", "control socket path for client subcommands")

	root.AddCommand(
		clientCmd("play", "play <file>", cobra.ExactArgs(1), &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Play(args[0])
		}),
		clientCmd("stop", "stop", cobra.NoArgs, &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Stop()
		}),
		clientCmd("pause", "pause", cobra.NoArgs, &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Pause()
		}),
		clientCmd("resume", "resume", cobra.NoArgs, &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Resume()
		}),
		clientCmd("seek", "seek <s>", cobra.ExactArgs(1), &socketPath, func(c *localclient.Client, args []string) (string, error) {
			var seconds float64
			if _, err := fmt.Sscanf(args[0], "%f", &seconds); err != nil {
				return "", fmt.Errorf("invalid seek offset %q", args[0])
			}
			return c.Seek(seconds)
		}),
		clientCmd("volume", "volume [v]", cobra.MaximumNArgs(1), &socketPath, func(c *localclient.Client, args []string) (string, error) {
			if len(args) == 0 {
				return c.Volume(nil)
			}
			var v float64
			if _, err := fmt.Sscanf(args[0], "%f", &v); err != nil {
				return "", fmt.Errorf("invalid volume %q", args[0])
			}
			return c.Volume(&v)
		}),
		clientCmd("status", "status", cobra.NoArgs, &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Status()
		}),
		clientCmd("visuals", "visuals <cmd>", cobra.ExactArgs(1), &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Visuals(args[0])
		}),
		clientCmd("quit", "quit", cobra.NoArgs, &socketPath, func(c *localclient.Client, args []string) (string, error) {
			return c.Quit()
		}),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// clientCmd builds a thin cobra subcommand that dials the control
// socket, runs fn, prints the reply, and maps a local error (dial,
// send, or one returned by fn) to exit code 1. The daemon's reply is
// printed as received; an ERROR reply still exits 0.
func clientCmd(use, usage string, args cobra.PositionalArgs, socketPath *string, fn func(*localclient.Client, []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   usage,
		Short: fmt.Sprintf("Send %s to the running daemon", use),
		Args:  args,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			c, err := localclient.Dial(*socketPath)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := fn(c, cmdArgs)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
