//go:build linux

package pty

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Start allocates a terminal pair and runs c as the leader of a new session
// whose controlling terminal is the slave side.
func Start(c Command) (*Terminal, error) {
	master, slavePath, err := openMaster()
	if err != nil {
		return nil, err
	}

	if c.Cols > 0 && c.Rows > 0 {
		if err := setSize(master, c.Cols, c.Rows); err != nil {
			master.Close()
			return nil, err
		}
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open %s: %w", slavePath, err)
	}
	defer slave.Close()

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = environ(c.Env)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return &Terminal{master: master, cmd: cmd}, nil
}

// Resize updates the window size. The foreground process group receives
// SIGWINCH.
func (t *Terminal) Resize(cols, rows int) error {
	return setSize(t.master, cols, rows)
}

// Signal delivers sig to the child's process group.
func (t *Terminal) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return t.cmd.Process.Signal(sig)
	}
	if err := unix.Kill(-t.cmd.Process.Pid, s); err != nil {
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return fmt.Errorf("signal %v: %w", s, err)
	}
	return nil
}

func openMaster() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(master.Fd())
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("TIOCGPTN: %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("TIOCSPTLCK: %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

func setSize(f *os.File, cols, rows int) error {
	ws := &unix.Winsize{Col: uint16(cols), Row: uint16(rows)}
	if err := unix.IoctlSetWinsize(int(f.Fd()), unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("TIOCSWINSZ: %w", err)
	}
	return nil
}
