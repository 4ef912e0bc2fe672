//go:build !linux

package pty

import "os"

// Start is only implemented on Linux.
func Start(Command) (*Terminal, error) { return nil, ErrUnsupported }

func (t *Terminal) Resize(int, int) error { return ErrUnsupported }

func (t *Terminal) Signal(sig os.Signal) error { return t.cmd.Process.Signal(sig) }
