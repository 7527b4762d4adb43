package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/agentgraph/internal/telemetry"
)

func newAuditCmd() *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "audit <graph.json>",
		Short: "Check one node's output for hallucinations",
		Long: `Audit a node of a graph file that already carries outputs, for example
one written by "agentgraph run --out".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return fmt.Errorf("--node is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx = telemetry.WithCorrelationID(ctx, correlationID)

			eng, id, err := localSession(ctx, cfg, args[0], logger)
			if err != nil {
				return err
			}
			j, err := eng.AuditNode(ctx, id, nodeID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", "", "ID of the node to audit")

	return cmd
}
