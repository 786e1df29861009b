// Package console provides a simple, human-readable logging interface.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Component represents a specific subsystem of the connection manager.
type Component string

const (
	Main  Component = "MAIN"
	Cfg   Component = "CFG"
	Conn  Component = "CONN"
	Hand  Component = "HAND"
	Admin Component = "ADMIN"
	Stat  Component = "STAT"
)

var (
	verbose atomic.Bool
	mu      sync.Mutex
	stdout  io.Writer = os.Stdout
	stderr  io.Writer = os.Stderr
)

// SetVerbose enables or disables Debug output.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// SetOutput redirects console output. A nil writer leaves that stream
// unchanged.
func SetOutput(out, errOut io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

// Info logs a general informational message to stdout.
func Info(c Component, msg string, args ...any) {
	print(false, "INFO", c, msg, args...)
}

// Warning logs a non-critical issue to stderr.
func Warning(c Component, msg string, args ...any) {
	print(true, "WARN", c, msg, args...)
}

// Error logs an error message to stderr.
func Error(c Component, msg string, args ...any) {
	print(true, "ERROR", c, msg, args...)
}

// Debug logs a verbose diagnostic message to stdout. It is silent unless
// verbose output was enabled with SetVerbose.
func Debug(c Component, msg string, args ...any) {
	if !verbose.Load() {
		return
	}
	print(false, "DEBUG", c, msg, args...)
}

// Errors logs one or more errors with a custom prefix. If the error contains
// multiple joined errors, each is unwrapped and logged as a separate entry.
func Errors(c Component, prefix string, err error) {
	if err == nil {
		return
	}

	// Unwrap joined errors.
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range u.Unwrap() {
			Error(c, "%s%v", prefix, e)
		}
		return
	}

	// If couldn't unwrap, log the single error.
	Error(c, "%s%v", prefix, err)
}

func print(toErr bool, level string, c Component, msg string, args ...any) {
	userMsg := fmt.Sprintf(msg, args...)

	mu.Lock()
	defer mu.Unlock()
	w := stdout
	if toErr {
		w = stderr
	}
	fmt.Fprintf(w, "%-5s | %-5s | %s\n", level, c, userMsg)
}
