// Package cmd wires the command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/version"
	"github.com/spf13/cobra"
)

const AppName = "device-validator"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	LogPath string
	EnvFile string

	logFile *os.File
}

// envFiles returns the .env files to load; none means the default .env.
func (o *RootOptions) envFiles() []string {
	if o.EnvFile == "" {
		return nil
	}
	return []string{o.EnvFile}
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   AppName,
		Short: "Regression tests for voice assistant skills on Bespoken virtual devices",
		Long: `device-validator runs YAML test scripts against a Bespoken virtual device
and checks every response against the expected transcript, card and stream.

Quick Start:
  1. Configure:   VIRTUAL_DEVICE_TOKEN and BESPOKEN_USER_ID in .env
  2. Check auth:  device-validator check-auth "simple player"
  3. Run:         device-validator run scripts/`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logWriter, logFile, err := logger.SetupLogWriter(opts.LogPath)
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			opts.logFile = logFile
			logger.SetupLogger(logWriter, opts.Verbose)

			logger.Logger.Debug("Starting application",
				"app", AppName,
				"version", version.Version,
				"command", cmd.Name(),
				"logfile", opts.LogPath)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logFile != nil {
				_ = opts.logFile.Close()
			}
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "enable verbose logging")
	cmd.PersistentFlags().StringVarP(&opts.LogPath, "log", "l", "", "path to the log file (logs to stdout when not set)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "path to the .env file (default .env)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckAuthCommand(opts))

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
