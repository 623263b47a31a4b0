package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mykhaliev/device-validator/config"
	"github.com/mykhaliev/device-validator/engine"
	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
	"github.com/spf13/cobra"
)

// ErrTestsFailed is returned by run when at least one script failed.
var ErrTestsFailed = errors.New("one or more scripts failed")

type runOptions struct {
	Mode            string
	ReportType      string
	Output          string
	Parallel        int
	CaseInsensitive bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Run test scripts against the virtual device",
		Long: `Run a script file, or every *.yml and *.yaml script under a directory.

Reports are written to test_results/ next to the scripts unless --output is
given. The command exits non-zero when any step fails.

Environment tokens (token.<NAME>=value) and INVOCATION_NAME are available as
{{NAME}} templates and are also replaced where NAME appears literally.

Example:
  device-validator run scripts/ --mode batch --report-type json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			return runScripts(cmd, rootOpts, opts, path)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", "", "override the mode of every script (immediate|batch|async)")
	cmd.Flags().StringVar(&opts.ReportType, "report-type", "md", "report file format (json|md)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "report file path (default test_results/report_<time>.<type>)")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", engine.DefaultParallel, "number of scripts to run at once")
	cmd.Flags().BoolVar(&opts.CaseInsensitive, "case-insensitive", false, "compare expected values ignoring case")

	return cmd
}

func runScripts(cmd *cobra.Command, rootOpts *RootOptions, opts *runOptions, path string) error {
	if err := engine.ValidateReportType(opts.ReportType); err != nil {
		return err
	}

	env, err := config.Load(rootOpts.envFiles()...)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	runs, err := engine.RunScripts(ctx, engine.RunOptions{
		Path:            path,
		Env:             env,
		Mode:            model.Mode(opts.Mode),
		CaseInsensitive: opts.CaseInsensitive,
		Parallel:        opts.Parallel,
		OnResult: func(script string, item model.ResultItem) {
			mu.Lock()
			defer mu.Unlock()
			symbol := "✓"
			if !item.Passed() {
				symbol = "✗"
			}
			fmt.Fprintf(out, "  %s [%s] %s\n", symbol, script, item.Test.Input)
		},
	})
	if err != nil {
		return err
	}

	output := opts.Output
	if output == "" {
		output = engine.DefaultReportPath(path, opts.ReportType, time.Now())
	}
	fmt.Fprintln(out)
	if err := engine.GenerateReports(out, runs, opts.ReportType, output); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	engine.PrintTestSummary(out, runs)
	fmt.Fprintf(out, "Report: %s\n", output)

	if engine.HasFailures(runs) {
		logger.Logger.Warn("Scripts failed", "report", output)
		return ErrTestsFailed
	}
	return nil
}
