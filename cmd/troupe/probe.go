package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ShayCichocki/troupe/internal/detector"
	"github.com/ShayCichocki/troupe/internal/process"
)

var (
	probeSend        string
	probeDuration    time.Duration
	probeInteractive bool
)

var probeCmd = &cobra.Command{
	Use:   "probe [flags] -- <command> [args...]",
	Short: "Run one command and print the states detected in its output",
	Long: `Probe runs a single command in a pseudo-terminal, feeds its output to the
state detector and prints every committed state change, then a summary and
a classification of the final output. It is the quickest way to check that
custom detector patterns recognise a CLI's prompts.

  troupe probe --send "explain main.go" -- claude
  troupe probe --interactive -- bash

With --interactive the local terminal is attached in raw mode until the
command exits; state changes are printed to stderr.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeSend, "send", "", "Type this line once the command is ready")
	probeCmd.Flags().DurationVar(&probeDuration, "duration", 10*time.Second, "How long to watch (0 means until the command exits)")
	probeCmd.Flags().BoolVar(&probeInteractive, "interactive", false, "Attach the local terminal to the command")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	cols, rows := cfg.Process.Cols, cfg.Process.Rows
	stdinFd := int(os.Stdin.Fd())
	if probeInteractive {
		if !term.IsTerminal(stdinFd) {
			return fmt.Errorf("--interactive needs a terminal on stdin")
		}
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = w, h
		}
	}

	det := detector.New(append(detectorOptions(cfg, logger), detector.WithName("probe"))...)
	defer det.Close()
	if cfg.Detector.PatternsFile != "" {
		if err := det.LoadPatternFile(cfg.Detector.PatternsFile); err != nil {
			return err
		}
	}

	proc, err := process.Spawn(process.Config{
		Name:       "probe",
		Command:    args[0],
		Args:       args[1:],
		Cols:       cols,
		Rows:       rows,
		BufferSize: cfg.Process.BufferSize,
	}, process.WithLogger(logger))
	if err != nil {
		return err
	}
	sub := proc.Subscribe()

	report := cmd.OutOrStdout()
	var echo io.Writer
	if probeInteractive {
		report = cmd.ErrOrStderr()
		echo = cmd.OutOrStdout()

		restore, err := attachTerminal(ctx, proc, stdinFd)
		if err != nil {
			proc.Stop(ctx)
			return err
		}
		defer restore()
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range sub.Events() {
			if ev.Kind != process.EventOutput {
				continue
			}
			if echo != nil {
				echo.Write(ev.Data)
			}
			det.AnalyzeOutput(string(ev.Data))
		}
	}()
	go func() {
		for change := range det.Changes() {
			printChange(report, change)
		}
	}()

	if probeSend != "" {
		if err := proc.WaitForState(ctx, process.StateReady, cfg.Injector.DefaultTimeout); err != nil {
			fmt.Fprintf(report, "%s %v; sending anyway\n", color.YellowString("⚠"), err)
		}
		if err := proc.WriteCommand(probeSend); err != nil {
			proc.Stop(ctx)
			return err
		}
	}

	var deadline <-chan time.Time
	if probeDuration > 0 && !probeInteractive {
		timer := time.NewTimer(probeDuration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-proc.Done():
	case <-deadline:
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Stop(stopCtx); err != nil {
		logger.Warn("stop failed", "err", err)
	}
	<-pumpDone

	printSummary(report, proc.Metrics(), det.Statistics())
	printFinal(report, det, proc.Output())
	return nil
}

// finalWindow is how much trailing output the closing classification sees.
const finalWindow = 1024

// printFinal classifies the tail of the output as it stands, without the
// debounce or confidence gate that committed changes go through.
func printFinal(w io.Writer, det *detector.Detector, output []byte) {
	if len(output) > finalWindow {
		output = output[len(output)-finalWindow:]
	}
	d, ok := det.ClassifyOnce(string(output))
	if !ok {
		fmt.Fprintf(w, "final output matches no pattern\r\n")
		return
	}
	fmt.Fprintf(w, "final output looks %s  %s (%.0f%%)\r\n", color.CyanString(d.State), d.Pattern, d.Confidence*100)
}

func printChange(w io.Writer, c detector.StateChange) {
	fmt.Fprintf(w, "%s %s -> %s  %s (%.0f%%, %s)\r\n",
		color.HiBlackString(c.Detection.Timestamp.Format("15:04:05.000")),
		c.From, color.CyanString(c.To),
		c.Detection.Pattern, c.Detection.Confidence*100,
		quoteMatch(c.Detection.MatchedText))
}

func quoteMatch(s string) string {
	const max = 40
	if len(s) > max {
		s = s[:max] + "…"
	}
	return fmt.Sprintf("%q", s)
}

func printSummary(w io.Writer, m process.Metrics, stats detector.Statistics) {
	fmt.Fprintf(w, "\r\nexit code %d, %d bytes out, %d bytes in, %d state changes\r\n",
		m.ExitCode, m.BytesOut, m.BytesIn, stats.Total)
	states := make([]string, 0, len(stats.Counts))
	for s := range stats.Counts {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(w, "  %-12s %3d  mean dwell %s\r\n", s, stats.Counts[s], stats.MeanDwell[s].Round(time.Millisecond))
	}
}

// attachTerminal puts stdin in raw mode, forwards keystrokes and window
// size changes to proc, and returns a function restoring the terminal.
func attachTerminal(ctx context.Context, proc *process.Manager, fd int) (func(), error) {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := proc.Write(string(buf[:n])); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	stopResize := forwardResize(ctx, proc, int(os.Stdout.Fd()))

	return func() {
		stopResize()
		term.Restore(fd, oldState)
	}, nil
}
