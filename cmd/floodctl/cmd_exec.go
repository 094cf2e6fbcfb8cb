package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"floodworker/pkg/workerclient"
)

var execFlags struct {
	hydrograph string
	tide       string
	execTime   string
	output     string
	timeout    time.Duration
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute the model on a worker and wait for the result",
	RunE:  runExec,
}

func init() {
	f := execCmd.Flags()
	f.StringVar(&execFlags.hydrograph, "hydrograph", "", "Hydrograph input file (required)")
	f.StringVar(&execFlags.tide, "tide", "", "Tide input file")
	f.StringVar(&execFlags.execTime, "time", "", "Execution time answered at the model prompt")
	f.StringVarP(&execFlags.output, "output", "o", "", "Write the result here instead of stdout")
	f.DurationVar(&execFlags.timeout, "timeout", 6*time.Minute, "How long to wait for the worker")

	_ = execCmd.MarkFlagRequired("hydrograph")
}

func runExec(cmd *cobra.Command, _ []string) error {
	req, err := readInputs(execFlags.hydrograph, execFlags.tide, execFlags.execTime)
	if err != nil {
		return err
	}

	client := workerclient.NewClient(globalFlags.url+"/model-worker", globalFlags.apiKey, execFlags.timeout)
	resp, err := client.Execute(cmd.Context(), req)
	if err != nil {
		var we *workerclient.WorkerError
		if errors.As(err, &we) {
			kind := we.Kind
			if kind == "" {
				kind = fmt.Sprintf("HTTP %d", we.StatusCode)
			}
			printFailure(cmd.ErrOrStderr(), kind, we.Message, we.Details)
			return fmt.Errorf("worker reported failure (%d)", we.StatusCode)
		}
		return err
	}
	return writeResult(cmd.OutOrStdout(), execFlags.output, resp.PltData)
}
