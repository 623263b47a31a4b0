package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/device-validator/auth"
	"github.com/mykhaliev/device-validator/config"
	"github.com/mykhaliev/device-validator/device"
	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
	"github.com/mykhaliev/device-validator/report"
	"github.com/mykhaliev/device-validator/templates"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultStepDelay = 0 * time.Second
	DefaultParallel  = 1
	ReportDirName    = "test_results"
)

var reportTypes = []string{"json", "md"}

// ResultFunc is notified of every finished step of the named script. With
// Parallel above one it is called from several goroutines.
type ResultFunc func(script string, item model.ResultItem)

// RunOptions configures RunScripts. Mode and CaseInsensitive override the
// settings of every script.
type RunOptions struct {
	Path            string
	Env             *config.Config
	Mode            model.Mode
	CaseInsensitive bool
	Parallel        int
	RunID           string
	OnResult        ResultFunc
	Wait            WaitFunc
}

// DiscoverScripts returns path itself when it is a file, or every *.yml and
// *.yaml file below it in lexical order.
func DiscoverScripts(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ReportDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if isScriptFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no scripts (*.yml, *.yaml) found in %s", path)
	}
	sort.Strings(files)
	return files, nil
}

func isScriptFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// RunScripts executes every script found at opts.Path. Scripts run on
// independent validators; the returned runs follow discovery order. Problems
// within a script are recorded on its ScriptRun rather than returned.
func RunScripts(ctx context.Context, opts RunOptions) ([]model.ScriptRun, error) {
	if opts.Env == nil {
		return nil, fmt.Errorf("environment configuration is required")
	}
	if err := opts.Env.Validate(); err != nil {
		return nil, err
	}
	if opts.Mode != "" && !opts.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q, supported modes are: immediate, batch, async", opts.Mode)
	}

	files, err := DiscoverScripts(opts.Path)
	if err != nil {
		return nil, err
	}

	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	templates.Register()

	logger.Logger.Info("Running scripts",
		"count", len(files),
		"parallel", parallel,
		"run_id", opts.RunID,
		"env", opts.Env.String())

	runs := make([]model.ScriptRun, len(files))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, file := range files {
		g.Go(func() error {
			runs[i] = RunScript(ctx, file, opts)
			return nil
		})
	}
	_ = g.Wait()

	return runs, nil
}

// RunScript executes a single script file.
func RunScript(ctx context.Context, file string, opts RunOptions) model.ScriptRun {
	run := model.ScriptRun{
		Name:       strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)),
		SourceFile: file,
		StartTime:  time.Now(),
	}
	fail := func(err error) model.ScriptRun {
		logger.Logger.Error("Script failed", "file", file, "error", err)
		run.SetupError = err.Error()
		run.EndTime = time.Now()
		return run
	}

	script, err := model.ParseScript(file)
	if err != nil {
		return fail(err)
	}
	run.Name = script.Name
	applyOverrides(script, opts)
	if err := model.ValidateScript(script); err != nil {
		return fail(fmt.Errorf("invalid script: %w", err))
	}

	script.Resolve(CreateTemplateContext(file, opts.Env, opts.RunID, script.Variables))
	script.ReplaceTokens(BareTokens(opts.Env))

	settings := script.Settings
	httpClient, transport := NewHTTPClient(settings)
	dev := device.NewClient(device.Config{
		BaseURL:        opts.Env.BaseURL,
		Token:          opts.Env.Token,
		Locale:         settings.Locale,
		VoiceID:        settings.VoiceID,
		STT:            settings.STT,
		SkipSTT:        settings.SkipSTT,
		AsyncMode:      settings.Mode == model.ModeAsync,
		LocationLat:    settings.LocationLat,
		LocationLong:   settings.LocationLong,
		ResetUtterance: settings.ResetUtterance,
	}, httpClient)
	for _, word := range model.SortedKeys(script.Homophones) {
		dev.AddHomophones(word, script.Homophones[word])
	}

	source, err := NewResultSource(settings.Mode, SourceConfig{
		Debug:        settings.Debug,
		StepDelay:    ParseDelay(settings.StepDelay, DefaultStepDelay),
		SessionIdle:  ParseDelay(settings.SessionIdle, opts.Env.SessionIdle),
		PollInterval: ParseDelay(settings.PollInterval, DefaultPollInterval),
		MaxPolls:     settings.MaxPolls,
		Wait:         opts.Wait,
	})
	if err != nil {
		return fail(err)
	}

	validatorOpts := []Option{
		WithComparator(model.NewComparator(settings.CaseSensitive.OrElse(true))),
	}
	if opts.OnResult != nil {
		name := run.Name
		validatorOpts = append(validatorOpts, WithObserver(func(item model.ResultItem) {
			opts.OnResult(name, item)
		}))
	}
	if !settings.SkipAuth {
		authClient := auth.NewClient(opts.Env.SourceAPIBaseURL, &http.Client{Timeout: defaultHTTPTimeout})
		validatorOpts = append(validatorOpts, WithGate(NewGate(authClient, opts.Env.UserID)))
	}

	logger.Logger.Info("Script loaded",
		"name", script.Name,
		"file", file,
		"mode", settings.Mode,
		"sequences", len(script.Sequences),
		"tests", model.TotalTests(script.Sequences))

	result, err := NewValidator(dev, source, validatorOpts...).Run(ctx, script.Sequences)
	if transport != nil {
		stats := transport.Stats()
		run.RateLimits = &stats
	}
	if err != nil {
		return fail(err)
	}

	run.Result = result
	run.EndTime = time.Now()
	passed, failed := result.Counts()
	logger.Logger.Info("Script completed",
		"name", run.Name,
		"result", result.Result,
		"passed", passed,
		"failed", failed,
		"duration", run.Duration())
	return run
}

func applyOverrides(script *model.Script, opts RunOptions) {
	if opts.Mode != "" {
		script.Settings.Mode = opts.Mode
	}
	if opts.CaseInsensitive {
		script.Settings.CaseSensitive = model.Some(false)
	}
}

// CreateTemplateContext builds the values available to script templates:
// the environment, substitution tokens, INVOCATION_NAME, RUN_ID, TEMP_DIR,
// TEST_DIR and the script variables, which may reference any of these.
func CreateTemplateContext(sourceFile string, env *config.Config, runID string, variables map[string]string) map[string]string {
	templateCtx := model.GetAllEnv()

	if env != nil {
		for name, value := range env.Tokens {
			templateCtx[name] = value
		}
		if env.InvocationName != "" {
			templateCtx[config.KeyInvocationName] = env.InvocationName
		}
	}

	if runID == "" {
		runID = uuid.New().String()
	}
	templateCtx["RUN_ID"] = runID
	templateCtx["TEMP_DIR"] = os.TempDir()

	if sourceFile != "" {
		if absPath, err := filepath.Abs(sourceFile); err == nil {
			templateCtx["TEST_DIR"] = filepath.Dir(absPath)
		}
	}

	// variables may reference each other, so render in a stable order
	for _, k := range model.SortedKeys(variables) {
		templateCtx[k] = model.RenderTemplate(variables[k], templateCtx)
	}
	return templateCtx
}

// BareTokens are the substitutions also applied where their names appear
// literally in a script: every token.<NAME> value and INVOCATION_NAME.
func BareTokens(env *config.Config) map[string]string {
	tokens := make(map[string]string)
	if env == nil {
		return tokens
	}
	for name, value := range env.Tokens {
		tokens[name] = value
	}
	if env.InvocationName != "" {
		tokens[config.KeyInvocationName] = env.InvocationName
	}
	return tokens
}

// ParseDelay accepts Go durations ("1.5s") or bare milliseconds ("500").
// Empty or invalid values yield fallback; negative values yield zero.
func ParseDelay(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}

	var dur time.Duration
	if ms, err := strconv.Atoi(value); err == nil {
		dur = time.Duration(ms) * time.Millisecond
	} else if dur, err = time.ParseDuration(value); err != nil {
		logger.Logger.Warn("Invalid delay, using default",
			"delay", value,
			"default", fallback,
			"error", err)
		return fallback
	}

	if dur < 0 {
		logger.Logger.Warn("Negative delay, using 0", "delay", dur)
		return 0
	}
	return dur
}

func ValidateReportType(reportType string) error {
	if !slices.Contains(reportTypes, reportType) {
		return fmt.Errorf("unknown report type %q, supported types are: %s", reportType, strings.Join(reportTypes, ", "))
	}
	return nil
}

// DefaultReportPath places reports in test_results/ next to the scripts.
func DefaultReportPath(scriptPath, reportType string, now time.Time) string {
	dir := scriptPath
	if info, err := os.Stat(scriptPath); err != nil || !info.IsDir() {
		dir = filepath.Dir(scriptPath)
	}
	name := fmt.Sprintf("report_%s.%s", now.Format("20060102_150405"), reportType)
	return filepath.Join(dir, ReportDirName, name)
}

// GenerateReports prints the console report to w and writes the report file.
func GenerateReports(w io.Writer, runs []model.ScriptRun, reportType, outputPath string) error {
	if len(runs) == 0 {
		return fmt.Errorf("no script results to generate report")
	}
	if err := ValidateReportType(reportType); err != nil {
		return err
	}

	gen := report.NewGenerator()
	gen.Color = logger.ColorOutput(w)
	gen.Console(w, runs)

	var content []byte
	switch reportType {
	case "json":
		out, err := gen.JSON(runs)
		if err != nil {
			return err
		}
		content = out
	case "md":
		content = []byte(gen.Markdown(runs))
	}

	if outputDir := filepath.Dir(outputPath); outputDir != "." && outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, content, logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	logger.Logger.Info("Report generated successfully", "path", outputPath, "size", len(content))
	return nil
}

// PrintTestSummary writes the totals of runs to w and logs them.
func PrintTestSummary(w io.Writer, runs []model.ScriptRun) {
	if len(runs) == 0 {
		logger.Logger.Info("No scripts were run")
		return
	}

	s := report.Summarize(runs)
	passRate := 0.0
	if s.Total > 0 {
		passRate = float64(s.Passed) / float64(s.Total) * 100
	}
	var totalDuration time.Duration
	for _, run := range runs {
		totalDuration += run.Duration()
	}

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "[Summary] Script Execution Summary")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "  Scripts:          %d (%d passed, %d failed)\n", s.Scripts, s.ScriptsPassed, s.ScriptsFailed)
	fmt.Fprintf(w, "  Total Steps:      %d\n", s.Total)
	fmt.Fprintf(w, "  Passed:           %d (%.1f%%)\n", s.Passed, passRate)
	fmt.Fprintf(w, "  Failed:           %d\n", s.Failed)
	fmt.Fprintf(w, "  Total Duration:   %dms\n", totalDuration.Milliseconds())
	fmt.Fprintln(w, strings.Repeat("=", 80))

	logger.Logger.Info("Script execution summary",
		"scripts", s.Scripts,
		"steps", s.Total,
		"passed", s.Passed,
		"failed", s.Failed,
		"pass_rate", fmt.Sprintf("%.1f%%", passRate),
		"total_duration_ms", totalDuration.Milliseconds())
}

// HasFailures reports whether any script failed to run or had a failed step.
func HasFailures(runs []model.ScriptRun) bool {
	_, err := slices.Find(runs, func(run model.ScriptRun) bool {
		return !run.Passed()
	})
	return err == nil
}
