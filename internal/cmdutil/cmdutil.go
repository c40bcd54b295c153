// Package cmdutil builds structured argument vectors for external tools.
// Commands are always executed from the argv form; String output exists for
// logging only and is never re-parsed by a shell.
package cmdutil

import (
	"strings"
)

// Command is one external tool invocation.
type Command struct {
	Argv  []string          // program and arguments
	Dir   string            // working directory; empty means inherit
	Stdin string            // data piped to the program's stdin
	Env   map[string]string // extra environment, KEY -> VALUE
}

// New builds a Command from a program and its arguments.
func New(program string, args ...string) Command {
	return Command{Argv: append([]string{program}, args...)}
}

// WithDir returns a copy running in dir.
func (c Command) WithDir(dir string) Command {
	c.Dir = dir
	return c
}

// WithStdin returns a copy with input piped to stdin.
func (c Command) WithStdin(input string) Command {
	c.Stdin = input
	return c
}

// Program returns the executable name, or "" for an empty command.
func (c Command) Program() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

// String renders the command shell-quoted for log lines.
func (c Command) String() string {
	parts := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

// Quote wraps an argument in single quotes when it contains characters that
// would be interpreted by a shell. Embedded single quotes use the
// standard '\'' escape.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>()*?[]#~%{}!^") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll renders an argv as a single shell-safe string. Used when a
// command must be passed through a remote shell (ssh sessions take a
// command line, not a vector).
func QuoteAll(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}
