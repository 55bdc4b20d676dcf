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

// relayworker is the one-shot worker: spawned by the bus with a
// selection (or legacy approval) file, it renders prompts, runs the
// assistant subprocess per workflow, and reports back through the spool
// directories before exiting.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/orchestrator"
	"github.com/tombee/relay/internal/state"
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
	var configPath string

	cmd := &cobra.Command{
		Use:           "relayworker <selection-file>",
		Short:         "Run the workflows named in one selection file, then exit",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/relay/config.yaml)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayworker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})
	return cmd
}

func run(cmd *cobra.Command, configPath, inputPath string) error {
	logger := log.WithComponent(log.New(log.FromEnv()), "orchestrator")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var paths state.Paths
	if cfg.StateDir != "" {
		paths = state.New(cfg.StateDir)
	} else {
		root, err := state.DefaultRoot()
		if err != nil {
			return err
		}
		paths = state.New(root)
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	eventLog, err := events.Open(paths.Events())
	if err != nil {
		return err
	}
	defer eventLog.Close()

	o, err := orchestrator.New(cfg, paths, eventLog, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return o.Run(ctx, inputPath)
}
