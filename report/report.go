// Package report renders script runs as console output, markdown and JSON.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"
	"github.com/mykhaliev/device-validator/model"
	"github.com/mykhaliev/device-validator/version"
)

const banner = "═══════════════════════════════════════════════════════════════"

// Generator renders reports. GeneratedAt is stamped into markdown and JSON.
// Color only affects the console report.
type Generator struct {
	GeneratedAt time.Time
	Color       bool
}

// NewGenerator enables colors only when stdout is a terminal.
func NewGenerator() *Generator {
	return &Generator{
		GeneratedAt: time.Now(),
		Color:       !color.NoColor,
	}
}

// Summary counts steps across all runs. A run that failed during setup
// counts as a failed script even though it has no steps.
type Summary struct {
	Scripts       int `json:"scripts"`
	ScriptsPassed int `json:"scriptsPassed"`
	ScriptsFailed int `json:"scriptsFailed"`
	Total         int `json:"total"`
	Passed        int `json:"passed"`
	Failed        int `json:"failed"`
}

func Summarize(runs []model.ScriptRun) Summary {
	var s Summary
	for _, run := range runs {
		s.Scripts++
		if run.Passed() {
			s.ScriptsPassed++
		} else {
			s.ScriptsFailed++
		}
		passed, failed := run.Result.Counts()
		s.Passed += passed
		s.Failed += failed
	}
	s.Total = s.Passed + s.Failed
	return s
}

func (g *Generator) paint(attr color.Attribute, text string) string {
	if !g.Color {
		return text
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(text)
}

// Console writes a human readable report of runs to w.
func (g *Generator) Console(w io.Writer, runs []model.ScriptRun) {
	fmt.Fprintln(w, banner)
	fmt.Fprintln(w, "                     DETAILED TEST RESULTS")
	fmt.Fprintln(w, banner)
	fmt.Fprintln(w)

	for _, run := range runs {
		passed, failed := run.Result.Counts()
		rateColor := color.FgGreen
		if !run.Passed() {
			rateColor = color.FgRed
			if passed > 0 {
				rateColor = color.FgYellow
			}
		}
		fmt.Fprintf(w, "📋 Script: %s %s (%.2fs)\n", run.Name,
			g.paint(rateColor, fmt.Sprintf("[%d/%d passed]", passed, passed+failed)),
			run.Duration().Seconds())

		if run.SetupError != "" {
			fmt.Fprintf(w, "  %s %s\n", g.paint(color.FgRed, "✗"), run.SetupError)
		}

		if run.Result != nil {
			for _, item := range run.Result.Tests {
				if item.Passed() {
					fmt.Fprintf(w, "  %s %s\n", g.paint(color.FgGreen, "✓"), item.Test.Input)
					continue
				}
				fmt.Fprintf(w, "  %s %s\n", g.paint(color.FgRed, "✗"), item.Test.Input)
				for _, m := range item.Errors {
					fmt.Fprintf(w, "      • %s\n", describeMismatch(m))
				}
			}
		}

		if stats := run.RateLimits; stats != nil {
			fmt.Fprintf(w, "  ⏱  %s\n", describeRateLimits(*stats))
		}
		fmt.Fprintln(w)
	}

	s := Summarize(runs)
	fmt.Fprintln(w, banner)
	fmt.Fprintf(w, "Total: %d | %s | %s\n", s.Total,
		g.paint(color.FgGreen, fmt.Sprintf("Passed: %d", s.Passed)),
		g.paint(color.FgRed, fmt.Sprintf("Failed: %d", s.Failed)))
	fmt.Fprintln(w, banner)
}

// Markdown renders runs as a markdown document.
func (g *Generator) Markdown(runs []model.ScriptRun) string {
	var md strings.Builder
	s := Summarize(runs)

	md.WriteString("# Test Results\n\n")
	fmt.Fprintf(&md, "**Device Validator Version:** %s\n", version.Version)
	fmt.Fprintf(&md, "**Generated:** %s\n\n", g.GeneratedAt.UTC().Format(time.RFC3339))

	md.WriteString("## Summary\n\n")
	fmt.Fprintf(&md, "- **Scripts:** %d\n", s.Scripts)
	fmt.Fprintf(&md, "- **Total:** %d\n", s.Total)
	fmt.Fprintf(&md, "- **Passed:** %d\n", s.Passed)
	fmt.Fprintf(&md, "- **Failed:** %d\n\n", s.Failed)

	md.WriteString("| Script | Status | Passed | Failed | Duration |\n")
	md.WriteString("|--------|--------|--------|--------|----------|\n")
	for _, run := range runs {
		passed, failed := run.Result.Counts()
		fmt.Fprintf(&md, "| %s | %s | %d | %d | %.2fs |\n",
			run.Name, passFail(run.Passed()), passed, failed, run.Duration().Seconds())
	}
	md.WriteString("\n---\n\n")

	md.WriteString("## Detailed Test Results\n\n")
	for _, run := range runs {
		fmt.Fprintf(&md, "### %s %s\n\n", statusIcon(run.Passed()), run.Name)
		if run.SourceFile != "" {
			fmt.Fprintf(&md, "- **Source:** %s\n", run.SourceFile)
		}
		fmt.Fprintf(&md, "- **Duration:** %.2fs\n", run.Duration().Seconds())

		if run.SetupError != "" {
			fmt.Fprintf(&md, "- **Setup error:** %s\n", run.SetupError)
		}

		if run.Result != nil && len(run.Result.Tests) > 0 {
			md.WriteString("- **Tests:**\n")
			for _, item := range run.Result.Tests {
				fmt.Fprintf(&md, "  - %s `%s` (sequence %d)\n",
					statusIcon(item.Passed()), item.Test.Input, item.Test.Sequence)
				for _, m := range item.Errors {
					fmt.Fprintf(&md, "    - %s\n", describeMismatch(m))
				}
			}
		}

		if stats := run.RateLimits; stats != nil {
			fmt.Fprintf(&md, "- **Rate limits:** %s\n", describeRateLimits(*stats))
		}
		md.WriteString("\n")
	}

	return md.String()
}

type jsonReport struct {
	Version     string            `json:"device_validator_version"`
	GeneratedAt string            `json:"generated_at"`
	Summary     Summary           `json:"summary"`
	Results     []model.ScriptRun `json:"results"`
}

// JSON renders runs with the full validator output of every step.
func (g *Generator) JSON(runs []model.ScriptRun) ([]byte, error) {
	if runs == nil {
		runs = []model.ScriptRun{}
	}
	data := jsonReport{
		Version:     version.Version,
		GeneratedAt: g.GeneratedAt.UTC().Format(time.RFC3339),
		Summary:     Summarize(runs),
		Results:     runs,
	}
	out, err := sonic.ConfigStd.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to generate JSON report: %w", err)
	}
	return out, nil
}

func describeMismatch(m model.MismatchRecord) string {
	if m.Property == model.PropertyError {
		return fmt.Sprintf("error: %s", formatValue(m.Actual))
	}
	return fmt.Sprintf("%s: expected %s, got %s", m.Property, formatValue(m.Expected), formatValue(m.Actual))
}

func describeRateLimits(s model.RateLimitStats) string {
	return fmt.Sprintf("throttled %d (%dms), 429 hits %d, retries %d (%dms), recovered %d",
		s.ThrottleCount, s.ThrottleWaitTimeMs, s.RateLimitHits, s.RetryCount, s.RetryWaitTimeMs, s.RetrySuccessCount)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case *string:
		if val == nil {
			return "null"
		}
		return strconv.Quote(*val)
	default:
		return fmt.Sprint(val)
	}
}

func statusIcon(passed bool) string {
	if passed {
		return "✅"
	}
	return "❌"
}

func passFail(passed bool) string {
	if passed {
		return "✅ PASS"
	}
	return "❌ FAIL"
}
