package main

import (
	"context"
	"log/slog"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/config"
	"github.com/szaher/agentgraph/internal/engine"
	"github.com/szaher/agentgraph/internal/session"
	"github.com/szaher/agentgraph/internal/telemetry"
)

const localOwner = "cli"

// localSession loads a graph file into a throwaway in-memory engine so the
// offline commands go through the same sync, execute and audit paths as the
// server.
func localSession(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger) (*engine.Engine, string, error) {
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return nil, "", err
	}
	capability, err := newCapability(cfg, catalog, logger)
	if err != nil {
		return nil, "", err
	}
	b := &backends{
		store:   session.NewMemoryStore(),
		cache:   session.NewMemoryCache(),
		records: audit.NewMemoryLog(),
	}
	eng, err := newEngine(cfg, b, capability, catalog, logger, telemetry.NewMetrics())
	if err != nil {
		return nil, "", err
	}

	g, err := readGraphFile(path)
	if err != nil {
		return nil, "", err
	}
	s, err := eng.CreateSession(ctx, localOwner, path)
	if err != nil {
		return nil, "", err
	}
	if _, err := eng.SyncGraph(ctx, s.ID, engine.SyncRequest{Nodes: g.Nodes, Edges: g.Edges}); err != nil {
		return nil, "", err
	}
	return eng, s.ID, nil
}
