package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/config"
	"github.com/szaher/agentgraph/internal/engine"
	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/inference"
	"github.com/szaher/agentgraph/internal/llm"
	"github.com/szaher/agentgraph/internal/memory"
	"github.com/szaher/agentgraph/internal/pipeline"
	"github.com/szaher/agentgraph/internal/session"
	"github.com/szaher/agentgraph/internal/telemetry"
)

// loadConfig reads the config file, applies AGENTGRAPH_* overrides and the
// global flags, and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	h := telemetry.NewRedactHandler(telemetry.NewLogger(w, level).Handler())
	h.Add(telemetry.DSNPassword(cfg.Store.PostgresDSN),
		os.Getenv("ANTHROPIC_API_KEY"),
		os.Getenv("OPENAI_API_KEY"))
	return slog.New(h), nil
}

func newCapability(cfg *config.Config, catalog *graph.Catalog, logger *slog.Logger) (*inference.LLMCapability, error) {
	client, model, err := llm.NewClientForModel(cfg.LLM.Model, llm.ClientOptions{
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return inference.NewLLMCapability(client, model, catalog,
		inference.WithMaxTokens(cfg.LLM.MaxTokens),
		inference.WithLogger(logger)), nil
}

func newExecutor(cfg *config.Config, capability inference.Capability, logger *slog.Logger, metrics *telemetry.Metrics) *pipeline.Executor {
	return pipeline.NewExecutor(capability,
		pipeline.WithMemory(memory.NewSlidingWindow(cfg.Run.ContextWindow,
			memory.WithMaxChars(cfg.Run.ContextChars))),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics))
}

// backends holds the storage collaborators built from config and the
// functions that release them.
type backends struct {
	store   session.Store
	cache   session.Cache
	records audit.RecordLog
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := session.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		pg := session.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.store = pg
	case config.BackendEtcd:
		cli, err := session.DialEtcd(cfg.Store.EtcdEndpoints)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = cli.Close() })
		b.store = session.NewEtcdStore(cli, cfg.Store.EtcdPrefix)
	default:
		b.store = session.NewMemoryStore()
	}

	switch cfg.Cache.Backend {
	case config.BackendRedis:
		rdb, err := session.DialRedis(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.cache = session.NewRedisCache(session.NewGoRedisClient(rdb), session.WithPrefix(cfg.Cache.Prefix))
	default:
		b.cache = session.NewMemoryCache()
	}

	if cfg.Audit.S3Bucket != "" {
		client, err := audit.NewS3Client(ctx)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.records = audit.NewS3Log(client, cfg.Audit.S3Bucket, cfg.Audit.S3Prefix)
	} else {
		b.records = audit.NewMemoryLog()
	}

	logger.Info("backends ready",
		"store", cfg.Store.Backend,
		"cache", cfg.Cache.Backend,
		"audit_bucket", cfg.Audit.S3Bucket)
	return b, nil
}

func newAuditor(cfg *config.Config, capability inference.Capability, records audit.RecordLog, logger *slog.Logger, metrics *telemetry.Metrics) (*audit.Engine, error) {
	policy, err := audit.NewFlagPolicy(cfg.Audit.Rule)
	if err != nil {
		return nil, err
	}
	return audit.NewEngine(capability,
		audit.WithPolicy(policy),
		audit.WithRecordLog(records),
		audit.WithLogger(logger),
		audit.WithMetrics(metrics)), nil
}

func newEngine(cfg *config.Config, b *backends, capability inference.Capability, catalog *graph.Catalog, logger *slog.Logger, metrics *telemetry.Metrics) (*engine.Engine, error) {
	auditor, err := newAuditor(cfg, capability, b.records, logger, metrics)
	if err != nil {
		return nil, err
	}
	coord := session.NewCoordinator(b.store, b.cache,
		session.WithCacheTTL(cfg.Cache.TTL),
		session.WithLogger(logger),
		session.WithMetrics(metrics))
	return engine.New(coord, newExecutor(cfg, capability, logger, metrics), auditor,
		engine.WithCatalog(catalog),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithTracer(telemetry.NewTracer(telemetry.LogExporter(logger)))), nil
}

// graphFile is the on-disk form read by the offline commands.
type graphFile struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

func readGraphFile(path string) (*graphFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var g graphFile
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &g, nil
}

func writeGraphFile(path string, g *graphFile) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
