package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/troupe/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>...",
	Short: "Check workflow files and print their execution plans",
	Long: `Validate parses each workflow file, checks its steps and prints the order
in which they would run. Parallel workflows are grouped into waves; a
dependency cycle or an unknown dependency is reported as an error. The same
problems in a sequential workflow only produce a warning.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			if err := validateFile(cmd, path); err != nil {
				printStatus("✗", fmt.Sprintf("%s: %v", path, err), color.FgRed)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d workflow files invalid", failed, len(args))
		}
		return nil
	},
}

func validateFile(cmd *cobra.Command, path string) error {
	wf, err := workflow.LoadFile(path)
	if err != nil {
		return err
	}
	if err := workflow.CheckDependencies(wf); err != nil {
		if wf.Parallel {
			return err
		}
		printStatus("⚠", fmt.Sprintf("%s: dependsOn is ignored in sequential mode: %v", path, err), color.FgYellow)
	}
	plan, err := formatWaves(wf)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("%s: workflow %s, %d steps, onError %s", path, wf.ID, len(wf.Steps), wf.OnError), color.FgGreen)
	fmt.Fprint(cmd.OutOrStdout(), plan)
	return nil
}
