package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"floodworker/pkg/executor"
	"floodworker/pkg/logger"
	"floodworker/pkg/models"
)

var runFlags struct {
	hydrograph string
	tide       string
	execTime   string
	output     string
	logLevel   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the model once on this machine",
	Long:  "Stage the inputs next to the configured model executable, run it\nand print the result file (MODEL_EXE_PATH and friends come from the config).",
	RunE:  runLocal,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.hydrograph, "hydrograph", "", "Hydrograph input file (required)")
	f.StringVar(&runFlags.tide, "tide", "", "Tide input file")
	f.StringVar(&runFlags.execTime, "time", "", "Execution time answered at the model prompt (default from config)")
	f.StringVarP(&runFlags.output, "output", "o", "", "Write the result here instead of stdout")
	f.StringVar(&runFlags.logLevel, "log-level", "warn", "Log level for executor messages on stderr")

	_ = runCmd.MarkFlagRequired("hydrograph")
}

func runLocal(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: runFlags.logLevel, Encoding: "console", Output: "stderr", Service: "floodctl"})
	if err != nil {
		return err
	}
	defer log.Sync()

	exec, err := executor.New(executor.OptionsFromConfig(cfg), nil, log)
	if err != nil {
		return err
	}

	in, err := readInputs(runFlags.hydrograph, runFlags.tide, runFlags.execTime)
	if err != nil {
		return err
	}
	req := models.JobRequest{
		Hydrograph:    string(in.Hydrograph),
		ExecutionTime: in.ExecutionTime,
	}
	if in.Tide != nil {
		tide := string(in.Tide)
		req.Tide = &tide
	}

	art, err := exec.Execute(cmd.Context(), req)
	if err != nil {
		var ee *executor.ExecutionError
		if errors.As(err, &ee) {
			printFailure(cmd.ErrOrStderr(), string(ee.Kind), ee.Message, ee.Detail)
			return fmt.Errorf("model run failed (%s)", ee.Kind)
		}
		return err
	}

	if runFlags.output != "" && runFlags.output != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (%d bytes) -> %s\n", okColor.Sprint("OK"), art.Name, art.Size, runFlags.output)
	}
	return writeResult(cmd.OutOrStdout(), runFlags.output, art.Content)
}
