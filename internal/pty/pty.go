// Package pty starts commands attached to a pseudo-terminal so that
// interactive CLIs keep their line editing and prompt behaviour.
package pty

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrUnsupported is returned by Start on platforms without devpts.
var ErrUnsupported = errors.New("pty: unsupported platform")

// DefaultTerm is exported to the child when the environment lacks TERM.
const DefaultTerm = "xterm-256color"

// Command describes a process to run on a fresh terminal.
type Command struct {
	Path string
	Args []string
	// Env entries (KEY=value) are appended to the inherited environment.
	Env  []string
	Dir  string
	Cols int
	Rows int
}

// Terminal is a running command and the master side of its terminal.
// Reads return the child's output; writes are delivered as keyboard input.
type Terminal struct {
	master *os.File
	cmd    *exec.Cmd

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// Read reads output from the terminal. Once the child and every process
// sharing its terminal have exited, Read returns an error (EIO on Linux).
func (t *Terminal) Read(p []byte) (int, error) { return t.master.Read(p) }

// Write sends input to the terminal.
func (t *Terminal) Write(p []byte) (int, error) { return t.master.Write(p) }

// Pid returns the child's process id.
func (t *Terminal) Pid() int { return t.cmd.Process.Pid }

// Wait blocks until the child exits and returns its exit code. A child
// killed by a signal reports -1. Wait may be called more than once.
func (t *Terminal) Wait() (int, error) {
	t.waitOnce.Do(func() {
		err := t.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			t.exitCode = 0
		case errors.As(err, &exitErr):
			t.exitCode = exitErr.ExitCode()
		default:
			t.exitCode = -1
			t.waitErr = err
		}
	})
	return t.exitCode, t.waitErr
}

// Close releases the master side of the terminal. The child receives a
// hangup if it is still attached.
func (t *Terminal) Close() error { return t.master.Close() }

func environ(extra []string) []string {
	env := append(os.Environ(), extra...)
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	return append(env, "TERM="+DefaultTerm)
}
