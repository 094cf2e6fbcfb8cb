package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"floodworker/pkg/models"
	"floodworker/pkg/workerclient"
)

var (
	okColor    = color.New(color.FgHiGreen)
	failColor  = color.New(color.FgRed)
	waitColor  = color.New(color.FgYellow)
	labelColor = color.New(color.FgCyan)
	dimColor   = color.New(color.FgHiBlack)
)

func statusText(s models.RunStatus) string {
	switch s {
	case models.RunSuccess:
		return okColor.Sprint(s)
	case models.RunFailed:
		return failColor.Sprint(s)
	case models.RunCancelled:
		return dimColor.Sprint(s)
	default:
		return waitColor.Sprint(s)
	}
}

func printRun(out io.Writer, run *models.Run) {
	fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Run:     "), run.ID)
	fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Status:  "), statusText(run.Status))
	if run.ModelName != "" {
		fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Model:   "), run.ModelName)
	}
	if run.NodeID != nil {
		fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Node:    "), *run.NodeID)
	}
	fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Submitted:"), run.SubmittedAt.Format(time.RFC3339))
	if run.StartedAt != nil && run.CompletedAt != nil {
		fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Took:    "), run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	if run.ArtifactName != "" {
		fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Artifact:"), run.ArtifactName)
	}
	if run.ErrorKind != "" {
		fmt.Fprintf(out, "%s %s: %s\n", labelColor.Sprint("Error:   "), failColor.Sprint(run.ErrorKind), run.Message)
	}
	if run.Detail != "" {
		fmt.Fprintf(out, "%s\n", dimColor.Sprint(indent(run.Detail)))
	}
}

func printFailure(out io.Writer, kind, message, detail string) {
	fmt.Fprintf(out, "%s %s\n", failColor.Sprint(kind+":"), message)
	if detail != "" {
		fmt.Fprintf(out, "%s\n", dimColor.Sprint(indent(detail)))
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}

// readInputs loads the upload files the way the worker expects them.
func readInputs(hydrograph, tide, executionTime string) (workerclient.Request, error) {
	req := workerclient.Request{ExecutionTime: executionTime}
	data, err := os.ReadFile(hydrograph)
	if err != nil {
		return req, fmt.Errorf("read hydrograph: %w", err)
	}
	req.Hydrograph = data
	if tide != "" {
		if req.Tide, err = os.ReadFile(tide); err != nil {
			return req, fmt.Errorf("read tide: %w", err)
		}
	}
	return req, nil
}

// writeResult writes the artifact text to path, or to out when path is
// empty or "-".
func writeResult(out io.Writer, path, text string) error {
	if path == "" || path == "-" {
		_, err := io.WriteString(out, text)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(text), 0o644)
}
