package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Logger is the process-wide logger. It discards everything until SetupLogger
// is called so library packages can log unconditionally.
var Logger = slog.New(slog.DiscardHandler)

const (
	FilePermission = 0644
	TimeFormat     = "2006-01-02 15:04:05"
)

func SetupLogger(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &tint.Options{
		Level:      logLevel,
		TimeFormat: TimeFormat,
		NoColor:    !ColorOutput(w),
	}

	Logger = slog.New(tint.NewHandler(w, opts))
}

// Discard silences the logger; used by tests.
func Discard() {
	Logger = slog.New(slog.DiscardHandler)
}

func SetupLogWriter(logPath string) (io.Writer, *os.File, error) {
	if logPath == "" {
		return os.Stdout, nil, nil
	}

	logDir := filepath.Dir(logPath)
	if logDir != "." && logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FilePermission)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Write to both stdout and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	return multiWriter, logFile, nil
}

// ColorOutput reports whether w is a terminal that should receive colored
// output. NO_COLOR and TERM=dumb disable colors everywhere.
func ColorOutput(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
