package ssh

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// RunInteractive runs a command with a PTY and the local terminal attached,
// for console sessions (switch management CLIs, serial-over-LAN). The local
// terminal is put into raw mode for the duration when stdin is a TTY.
func (c *Client) RunInteractive(ctx context.Context, command string) error {
	session, err := c.newSession()
	if err != nil {
		return err
	}
	defer session.Close()

	fd := int(os.Stdin.Fd())
	width, height := 80, 24
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			width, height = w, h
		}
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType(), height, width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return fmt.Errorf("remote exit status %d", exitErr.ExitStatus())
			}
			return err
		}
		return nil
	}
}

// RunCommandPTY executes a command with a PTY allocated but output still
// captured, for tools that refuse to talk to a pipe.
func (c *Client) RunCommandPTY(ctx context.Context, command string) (output []byte, exitCode int, err error) {
	session, err := c.newSession()
	if err != nil {
		return nil, -1, err
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0, // no local echo into the captured stream
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType(), 24, 80, modes); err != nil {
		return nil, -1, fmt.Errorf("request pty: %w", err)
	}

	// With a PTY, stderr is merged into the terminal stream.
	var buf captureBuffer
	session.Stdout = &buf
	session.Stderr = &buf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return buf.Bytes(), -1, ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return buf.Bytes(), exitErr.ExitStatus(), nil
			}
			return buf.Bytes(), -1, err
		}
		return buf.Bytes(), 0, nil
	}
}

func termType() string {
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return "xterm-256color"
}
