package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"floodworker/pkg/workerclient"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	client := workerclient.NewRunsClient(globalFlags.url, globalFlags.apiKey)
	msg, err := client.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], waitColor.Sprint(msg))
	return nil
}
