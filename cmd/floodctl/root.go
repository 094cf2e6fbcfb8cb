// floodctl drives floodworker from a shell: it runs the model locally,
// calls a worker over HTTP, and administers API keys and site tokens.
//
// Usage:
//
//	floodctl run --hydrograph=Hydrograph.txt [--tide=tide.txt] [--time=60] [-o result.plt]
//	floodctl exec --url=http://worker:5001 --hydrograph=Hydrograph.txt
//	floodctl submit --hydrograph=Hydrograph.txt [--wait]
//	floodctl status [run-id]
//	floodctl cancel <run-id>
//	floodctl apikey create --name=gateway
//	floodctl token --user=42
//	floodctl nodes
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	config "floodworker/configs"
)

// version is set at build time via -ldflags.
var version = "dev"

var globalFlags struct {
	configPath string
	url        string
	apiKey     string
}

var rootCmd = &cobra.Command{
	Use:   "floodctl",
	Short: "Run and manage flood model executions",
	Long:  "floodctl runs the flood model locally or on a floodworker node,\nand manages the keys and tokens the services accept.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&globalFlags.configPath, "config", os.Getenv("FLOODWORKER_CONFIG"), "YAML config file (default: environment only)")
	f.StringVar(&globalFlags.url, "url", envOr("FLOODWORKER_URL", "http://localhost:5001"), "Worker base URL")
	f.StringVar(&globalFlags.apiKey, "api-key", os.Getenv("MODEL_WORKER_API_KEY"), "API key sent as X-API-Key")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(apikeyCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if globalFlags.configPath == "" {
		return config.LoadConfig(), nil
	}
	cfg, err := config.LoadConfigFrom(globalFlags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
