package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/agentgraph/internal/graph"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.json>",
		Short: "Check a graph file for unknown types, dangling edges and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := cfg.BuildCatalog()
			if err != nil {
				return err
			}
			g, err := readGraphFile(args[0])
			if err != nil {
				return err
			}
			if err := graph.Validate(catalog, g.Nodes, g.Edges); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d nodes, %d edges, status %s)\n",
				args[0], len(g.Nodes), len(g.Edges), graph.DeriveStatus(g.Nodes))
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "schedule <graph.json>",
		Short: "Print the execution order of a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := readGraphFile(args[0])
			if err != nil {
				return err
			}
			order, err := graph.Schedule(g.Nodes, g.Edges)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return printJSON(out, map[string]interface{}{"order": order})
			case "text":
				for i, id := range order {
					n := g.Nodes[graph.FindNode(g.Nodes, id)]
					fmt.Fprintf(out, "%3d  %-20s %s\n", i+1, id, n.Type)
				}
				return nil
			default:
				return fmt.Errorf("unknown format %q (want text or json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")

	return cmd
}
