package main

import (
	"fmt"
	"os"
)

// ANSI escapes for terminal output. The --no-color flag (and tests)
// disable them through the noColor global.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// printTagged writes a short status line to stderr so command output on
// stdout stays clean for piping.
func printTagged(color, tag, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, tag+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	printTagged(colorGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	printTagged(colorRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	printTagged(colorYellow, "⚠", format, args...)
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
