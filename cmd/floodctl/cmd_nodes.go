package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"floodworker/pkg/api"
	"floodworker/pkg/bootstrap"
	"floodworker/pkg/coordination"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List live worker nodes and the janitor leader (needs ETCD_ENDPOINTS)",
	RunE:  runNodes,
}

func runNodes(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return errors.New("ETCD_ENDPOINTS is not configured")
	}
	coord, err := bootstrap.Coordinator(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer coord.Close()

	ctx := cmd.Context()
	nodes, err := coord.GetActiveNodes(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		fmt.Fprintln(out, waitColor.Sprint("No live nodes."))
	}
	for _, n := range nodes {
		fmt.Fprintf(out, "%s  %-8s  %d/%d running  %d MB  %s\n",
			okColor.Sprint(n.ID), n.Isolation, n.RunningJobs, n.Slots, n.TotalMemMB,
			dimColor.Sprintf("seen %s ago", time.Since(n.SeenAt).Round(time.Second)))
	}

	leader, err := coord.NewElection(api.DefaultElectionName).Leader(ctx)
	switch {
	case errors.Is(err, coordination.ErrNoLeader):
		fmt.Fprintf(out, "%s none\n", labelColor.Sprint("Janitor leader:"))
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Janitor leader:"), leader)
	}
	return nil
}
