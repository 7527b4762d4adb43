// Package config loads agentgraph.yaml and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/telemetry"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "agentgraph.yaml"

// Backend names accepted by cache.backend and store.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

// Config is the top-level structure of agentgraph.yaml.
type Config struct {
	Listen   string               `yaml:"listen"`
	LogLevel string               `yaml:"log_level"`
	Cache    CacheConfig          `yaml:"cache"`
	Store    StoreConfig          `yaml:"store"`
	Audit    AuditConfig          `yaml:"audit"`
	LLM      LLMConfig            `yaml:"llm"`
	Run      RunConfig            `yaml:"run"`
	Sync     SyncConfig           `yaml:"sync"`
	Catalog  []graph.CatalogEntry `yaml:"catalog"`
}

// CacheConfig selects and tunes the session cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // "memory" | "redis"
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
}

// StoreConfig selects the durable session store.
type StoreConfig struct {
	Backend       string   `yaml:"backend"` // "memory" | "postgres" | "etcd"
	PostgresDSN   string   `yaml:"postgres_dsn"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
}

// AuditConfig controls flagging and where audit records go.
type AuditConfig struct {
	Rule     string `yaml:"rule"`
	S3Bucket string `yaml:"s3_bucket"` // empty keeps records in memory
	S3Prefix string `yaml:"s3_prefix"`
}

// LLMConfig selects the inference model.
type LLMConfig struct {
	Model      string        `yaml:"model"`
	MaxTokens  int           `yaml:"max_tokens"`
	Timeout    time.Duration `yaml:"timeout"` // per model call, 0 for none
	MaxRetries int           `yaml:"max_retries"`
}

// RunConfig tunes graph execution.
type RunConfig struct {
	ContextWindow int `yaml:"context_window"` // prior outputs handed to each node
	ContextChars  int `yaml:"context_chars"`  // total text of those outputs, 0 for no limit
}

// SyncConfig rate-limits graph syncs per session.
type SyncConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	Burst    int           `yaml:"burst"`
}

// Default returns a Config populated with defaults: in-memory backends and
// the built-in catalog.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Cache: CacheConfig{
			Backend: BackendMemory,
			TTL:     30 * time.Minute,
			Prefix:  "agentgraph:",
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			EtcdPrefix: "/agentgraph/",
		},
		Audit: AuditConfig{
			Rule:     audit.DefaultFlagRule,
			S3Prefix: "audits",
		},
		LLM: LLMConfig{
			Model:      "claude-sonnet-4-5",
			MaxTokens:  2048,
			Timeout:    2 * time.Minute,
			MaxRetries: 2,
		},
		Run: RunConfig{ContextWindow: 50},
		Sync: SyncConfig{
			Debounce: 500 * time.Millisecond,
			Burst:    2,
		},
		Catalog: graph.DefaultEntries(),
	}
}

// Load reads path over the defaults. A missing file is not an error when
// path is DefaultFile, so the binary runs without one.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultFile {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg. Keys absent from data keep their value.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from AGENTGRAPH_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("AGENTGRAPH_LISTEN", &c.Listen)
	str("AGENTGRAPH_LOG_LEVEL", &c.LogLevel)
	str("AGENTGRAPH_CACHE_BACKEND", &c.Cache.Backend)
	str("AGENTGRAPH_REDIS_ADDR", &c.Cache.RedisAddr)
	str("AGENTGRAPH_STORE_BACKEND", &c.Store.Backend)
	str("AGENTGRAPH_POSTGRES_DSN", &c.Store.PostgresDSN)
	str("AGENTGRAPH_AUDIT_RULE", &c.Audit.Rule)
	str("AGENTGRAPH_AUDIT_S3_BUCKET", &c.Audit.S3Bucket)
	str("AGENTGRAPH_MODEL", &c.LLM.Model)

	if v, ok := lookup("AGENTGRAPH_ETCD_ENDPOINTS"); ok && v != "" {
		c.Store.EtcdEndpoints = splitList(v)
	}
	if v, ok := lookup("AGENTGRAPH_CACHE_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENTGRAPH_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}
	if v, ok := lookup("AGENTGRAPH_MAX_TOKENS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTGRAPH_MAX_TOKENS: %w", err)
		}
		c.LLM.MaxTokens = n
	}
	if v, ok := lookup("AGENTGRAPH_LLM_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENTGRAPH_LLM_TIMEOUT: %w", err)
		}
		c.LLM.Timeout = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the config for values the server cannot start with.
func (c *Config) Validate() error {
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	case BackendEtcd:
		if len(c.Store.EtcdEndpoints) == 0 {
			return fmt.Errorf("store.etcd_endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if _, err := audit.NewFlagPolicy(c.Audit.Rule); err != nil {
		return err
	}
	if c.LLM.Timeout < 0 || c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.timeout and llm.max_retries must not be negative")
	}
	if c.Sync.Debounce < 0 || c.Sync.Burst < 0 {
		return fmt.Errorf("sync.debounce and sync.burst must not be negative")
	}
	if _, err := c.BuildCatalog(); err != nil {
		return err
	}
	return nil
}

// BuildCatalog returns the configured catalog, or the built-in one when the
// config lists none.
func (c *Config) BuildCatalog() (*graph.Catalog, error) {
	if len(c.Catalog) == 0 {
		return graph.DefaultCatalog(), nil
	}
	cat, err := graph.NewCatalog(c.Catalog)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return cat, nil
}
