// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// relayd is the bus: a background daemon that bridges session summaries
// from spool directories to a chat operator and spawns workers for the
// workflows the operator picks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/bot"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/dedup"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/lifecycle"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/state"
	"github.com/tombee/relay/internal/telegram"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Workflow relay bus",
		Long:          "relayd bridges dev-session summaries to a chat operator and runs the workflows they pick.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd(), stopCmd(), statusCmd(), versionCmd())
	return root
}

// statePaths resolves the state directory: config override, otherwise
// the XDG state home.
func statePaths(cfg *config.Config) (state.Paths, error) {
	if cfg.StateDir != "" {
		return state.New(cfg.StateDir), nil
	}
	root, err := state.DefaultRoot()
	if err != nil {
		return state.Paths{}, err
	}
	return state.New(root), nil
}

func startCmd() *cobra.Command {
	var (
		foreground bool
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			paths, err := statePaths(cfg)
			if err != nil {
				return err
			}

			if !foreground {
				return startBackground(cmd, paths, configPath)
			}
			return runBus(cmd.Context(), cfg, paths)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of daemonizing")
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/relay/config.yaml)")
	return cmd
}

// startBackground re-executes this binary with --foreground, detached,
// logging to the state directory.
func startBackground(cmd *cobra.Command, paths state.Paths, configPath string) error {
	lock := lifecycle.NewLock(paths.PID())
	if pid, err := lock.Read(); err == nil && lifecycle.IsProcessRunning(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "relay bus already running (pid %d)\n", pid)
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine own executable: %w", err)
	}

	args := []string{"start", "--foreground"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	logPath := filepath.Join(paths.Logs(), "bus.log")
	pid, err := lifecycle.NewSpawner().SpawnDetached(self, args, logPath)
	if err != nil {
		return fmt.Errorf("failed to start background bus: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "relay bus started (pid %d), logging to %s\n", pid, logPath)
	return nil
}

func runBus(parent context.Context, cfg *config.Config, paths state.Paths) error {
	logger := log.WithComponent(log.New(log.FromEnv()), "bot")

	if err := cfg.ResolveToken(); err != nil {
		logger.Warn("keychain lookup failed", "error", err)
	}
	if err := cfg.ValidateTransport(); err != nil {
		return err
	}

	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	eventLog, err := events.Open(paths.Events())
	if err != nil {
		return err
	}
	defer eventLog.Close()

	// One store serves both the transport's edit gate and the bus's
	// completion cleanup; separate instances would leave stale hashes
	// in the gate's memory tier after a workflow finishes.
	store := dedup.New(paths.Dedup())
	transport := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, logger, store)

	b, err := bot.New(cfg, paths, transport, store, eventLog, logger, bot.Options{})
	if err != nil {
		var held *lifecycle.HeldError
		var stale *lifecycle.StaleError
		if errors.As(err, &held) || errors.As(err, &stale) {
			return fmt.Errorf("cannot start: %w", err)
		}
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return b.Run(ctx)
}

func stopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			paths, err := statePaths(cfg)
			if err != nil {
				return err
			}

			pid, err := lifecycle.NewLock(paths.PID()).Read()
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "relay bus is not running")
				return nil
			}
			if !lifecycle.IsProcessRunning(pid) {
				fmt.Fprintf(cmd.OutOrStdout(), "relay bus is not running (stale pid file for %d)\n", pid)
				return nil
			}
			if !lifecycle.IsRelayProcess(pid) {
				return fmt.Errorf("pid %d from %s is not a relay process; not signalling it", pid, paths.PID())
			}

			if err := lifecycle.GracefulShutdown(pid, 10*time.Second, force); err != nil {
				return fmt.Errorf("failed to stop pid %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "relay bus stopped (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "escalate to SIGKILL if the bus does not exit in time")
	return cmd
}

func statusCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bus status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			paths, err := statePaths(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			pid, err := lifecycle.NewLock(paths.PID()).Read()
			switch {
			case err != nil:
				fmt.Fprintln(out, "relay bus: not running")
			default:
				info, _ := lifecycle.GetProcessInfo(pid)
				if info != nil && info.Running {
					fmt.Fprintf(out, "relay bus: running (pid %d)\n", pid)
					fmt.Fprintf(out, "command:   %s\n", info.Command)
				} else {
					fmt.Fprintf(out, "relay bus: not running (stale pid file for %d)\n", pid)
				}
			}
			fmt.Fprintf(out, "state dir: %s\n", paths.Root)

			if !verbose {
				return nil
			}
			return printRecentEvents(cmd.Context(), out, paths)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include recent events from the event log")
	return cmd
}

func printRecentEvents(ctx context.Context, out io.Writer, paths state.Paths) error {
	if _, err := os.Stat(paths.Events()); err != nil {
		fmt.Fprintln(out, "events:    none recorded")
		return nil
	}

	eventLog, err := events.Open(paths.Events())
	if err != nil {
		return err
	}
	defer eventLog.Close()

	recent, err := eventLog.Recent(ctx, 20)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "recent events:")
	for _, ev := range recent {
		fmt.Fprintf(out, "  %s  %-12s %-24s %s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Component, ev.EventType, ev.CorrelationID)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
