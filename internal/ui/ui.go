// Package ui renders yard's user-facing terminal output: ANSI styling gated
// by TTY detection and NO_COLOR, status coloring, and the Warning/Error/hint
// message forms the CLI writes to stderr. Results go to stdout, diagnostics
// to stderr; log output is internal/log's business, not this package's.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	colorStdout = detectColor(os.Stdout)
	colorStderr = detectColor(os.Stderr)
)

// SetOutput redirects both streams (tests). Nil keeps the current writer.
func SetOutput(out, errw io.Writer) {
	if out != nil {
		stdout = out
	}
	if errw != nil {
		stderr = errw
	}
}

// Out returns the stdout writer commands should print results to.
func Out() io.Writer { return stdout }

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled overrides color detection for both streams (tests).
func SetColorEnabled(enabled bool) {
	colorStdout = enabled
	colorStderr = enabled
}

// ColorEnabled reports whether stdout styling is on.
func ColorEnabled() bool { return colorStdout }

func style(code, s string, enabled bool) string {
	if !enabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Bold styles s for stdout.
func Bold(s string) string { return style("1", s, colorStdout) }

// Dim styles s for stdout.
func Dim(s string) string { return style("2", s, colorStdout) }

// Green styles s for stdout.
func Green(s string) string { return style("32", s, colorStdout) }

// Red styles s for stdout.
func Red(s string) string { return style("31", s, colorStdout) }

// Yellow styles s for stdout.
func Yellow(s string) string { return style("33", s, colorStdout) }

// Cyan styles s for stdout.
func Cyan(s string) string { return style("36", s, colorStdout) }

// Status colors a run status or container state for list and status output:
// green while running, yellow while in flight, red for failure states, dim
// for everything settled.
func Status(s string) string {
	switch s {
	case "running":
		return Green(s)
	case "provisioning":
		return Yellow(s)
	case "failed", "failed-clean", "dead", "missing":
		return Red(s)
	default:
		return Dim(s)
	}
}

// Tick returns a green check mark.
func Tick() string { return Green("✓") }

// Cross returns a red cross mark.
func Cross() string { return Red("✗") }

// Warnf prints a user-facing warning to stderr.
func Warnf(format string, args ...any) {
	fmt.Fprintf(stderr, "%s %s\n", style("33", "Warning:", colorStderr), fmt.Sprintf(format, args...))
}

// Errorf prints a user-facing error to stderr.
func Errorf(format string, args ...any) {
	fmt.Fprintf(stderr, "%s %s\n", style("31", "Error:", colorStderr), fmt.Sprintf(format, args...))
}

// Hintf prints a dimmed follow-up line to stderr, for resolution advice
// under an error.
func Hintf(format string, args ...any) {
	fmt.Fprintf(stderr, "%s\n", style("2", "  hint: "+fmt.Sprintf(format, args...), colorStderr))
}

// Infof prints a user-facing message to stderr with no prefix.
func Infof(format string, args ...any) {
	fmt.Fprintf(stderr, format+"\n", args...)
}
