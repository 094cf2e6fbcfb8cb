package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"floodworker/pkg/models"
	"floodworker/pkg/workerclient"
)

var submitFlags struct {
	hydrograph string
	tide       string
	execTime   string
	modelName  string
	wait       bool
	interval   time.Duration
	output     string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue an asynchronous run on the worker cluster",
	RunE:  runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.hydrograph, "hydrograph", "", "Hydrograph input file (required)")
	f.StringVar(&submitFlags.tide, "tide", "", "Tide input file")
	f.StringVar(&submitFlags.execTime, "time", "", "Execution time answered at the model prompt")
	f.StringVar(&submitFlags.modelName, "model", "", "Model name recorded with the run")
	f.BoolVar(&submitFlags.wait, "wait", false, "Poll until the run finishes")
	f.DurationVar(&submitFlags.interval, "interval", 2*time.Second, "Poll interval with --wait")
	f.StringVarP(&submitFlags.output, "output", "o", "", "With --wait, download the artifact here")

	_ = submitCmd.MarkFlagRequired("hydrograph")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	req, err := readInputs(submitFlags.hydrograph, submitFlags.tide, submitFlags.execTime)
	if err != nil {
		return err
	}
	req.ModelName = submitFlags.modelName

	client := workerclient.NewRunsClient(globalFlags.url, globalFlags.apiKey)
	ctx := cmd.Context()
	sub, err := client.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s\n", labelColor.Sprint("Submitted"), sub.RunID, statusText(sub.Status))
	if !submitFlags.wait {
		return nil
	}

	run, err := waitForRun(ctx, client, sub.RunID, submitFlags.interval)
	if err != nil {
		return err
	}
	printRun(out, run)
	if run.Status != models.RunSuccess {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	if submitFlags.output == "" {
		return nil
	}
	data, err := client.Artifact(ctx, sub.RunID)
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	return writeResult(out, submitFlags.output, string(data))
}

func waitForRun(ctx context.Context, client *workerclient.RunsClient, id string, interval time.Duration) (*models.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := client.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
