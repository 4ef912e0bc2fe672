package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/troupe/internal/state"
)

var purgeOlderThan time.Duration

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List archived checkpoints",
	Long: `Checkpoints lists the checkpoints archived in state.db_path (or the default
~/.local/share/troupe/troupe.db), newest first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := db.ListCheckpoints(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tKEYS\tAGENTS\tWORKFLOWS")
		for _, c := range list {
			workflows := strings.Join(c.ActiveWorkflows, ",")
			if workflows == "" {
				workflows = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", c.ID, c.CreatedAt.Local().Format(time.DateTime), c.Keys, c.Agents, workflows)
		}
		return tw.Flush()
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a checkpoint as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		cp, err := db.GetCheckpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var checkpointsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete archived checkpoints",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		for _, id := range args {
			if err := db.DeleteCheckpoint(cmd.Context(), id); err != nil {
				return err
			}
			printStatus("✓", "deleted "+id, color.FgGreen)
		}
		return nil
	},
}

var checkpointsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete checkpoints older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PurgeCheckpoints(cmd.Context(), time.Now(), purgeOlderThan)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("purged %d checkpoint(s)", n), color.FgGreen)
		return nil
	},
}

func init() {
	checkpointsPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Age beyond which checkpoints are deleted")

	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsDeleteCmd)
	checkpointsCmd.AddCommand(checkpointsPurgeCmd)
}

// openConfiguredStore opens the archive named by the config, falling back
// to the default path.
func openConfiguredStore() (*state.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.State.DBPath
	if path == "" {
		path = state.DefaultPath()
	}
	return openStore(path)
}
