//go:build windows

package main

import (
	"os"

	"golang.org/x/term"
)

// disableCtrlCEcho is a no-op on windows.
func disableCtrlCEcho() func() {
	return func() {}
}

// stdoutIsTerminal reports whether progress goes to an interactive terminal.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
