// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This binary indexes, merges, filters and fetches BAM alignment files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/googlegenomics/alignstore/internal/config"
	"github.com/googlegenomics/alignstore/internal/diag"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
)

// app holds the state shared by the subcommands.
type app struct {
	cfg        config.Config
	configPath string
	profile    string

	run      *diag.Run
	profiler interface{ Stop() }
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCommand() *cobra.Command {
	a := &app{cfg: config.Default()}

	root := &cobra.Command{
		Use:           "alignstore",
		Short:         "Index, merge, filter and fetch BAM alignment files",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.profiler != nil {
				a.profiler.Stop()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "TOML configuration file; flags given on the command line take precedence")
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&a.profile, "profile", "", "write a cpu, mem or block profile to the current directory")

	root.AddCommand(
		newIndexCommand(a),
		newMergeCommand(a),
		newViewCommand(a),
		newCountCommand(a),
		newFetchCommand(a),
	)
	return root
}

// setup applies the configuration file and starts logging and profiling.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.cfg.Load(a.configPath, config.Changed(cmd.Flags())); err != nil {
		return err
	}
	a.run = diag.NewRun(diag.NewLogger(cmd.ErrOrStderr(), a.cfg.LogLevel))

	var mode func(*profile.Profile)
	switch a.profile {
	case "":
		return nil
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfile
	case "block":
		mode = profile.BlockProfile
	default:
		return fmt.Errorf("unknown profile %q", a.profile)
	}
	a.profiler = profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
	a.run.Logger.Info().Str("profile", a.profile).Msg("profiling enabled")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "alignstore:", err)
		os.Exit(1)
	}
}
