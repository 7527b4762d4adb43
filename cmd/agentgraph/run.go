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

func newRunCmd() *cobra.Command {
	var (
		out    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Execute a graph file against the configured model",
		Long: `One-shot execution: validate the graph, run every node in dependency order,
print per-node results, and optionally write the graph with outputs back out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			res, err := eng.ExecuteGraph(ctx, id)
			if err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			w := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(w, res); err != nil {
					return err
				}
			} else {
				for _, r := range res.PerNodeResults {
					line := fmt.Sprintf("%-20s %-14s %-9s confidence=%d", r.NodeID, r.Type, r.Status, r.Confidence)
					if r.Error != "" {
						line += " error=" + r.Error
					}
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "\n%d nodes executed, status %s\n", res.ExecutedNodeCount, res.Status)
			}

			if out != "" {
				s, err := eng.GetSession(ctx, id)
				if err != nil {
					return err
				}
				if err := writeGraphFile(out, &graphFile{Nodes: s.Nodes, Edges: s.Edges}); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the executed graph to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}
