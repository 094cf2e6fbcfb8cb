package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"floodworker/pkg/workerclient"
)

var statusFlags struct {
	limit int
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show one run, or the newest runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusFlags.limit, "limit", 20, "Number of runs to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := workerclient.NewRunsClient(globalFlags.url, globalFlags.apiKey)
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := client.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRun(out, run)
		return nil
	}

	runs, err := client.List(cmd.Context(), statusFlags.limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs yet.")
		return nil
	}
	for _, run := range runs {
		name := run.ModelName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "%s  %-9s  %-20s  %s\n", run.ID, statusText(run.Status), name, dimColor.Sprint(run.SubmittedAt.Format("2006-01-02 15:04:05")))
	}
	return nil
}
