package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/troupe/internal/version"
)

var versionFull bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		v := version.Get()
		if versionFull {
			v = version.Full()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "troupe version %s\n", v)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "Include VCS revision and Go version")
}
