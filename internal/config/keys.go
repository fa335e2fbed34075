package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "DESKD_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "DESKD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "DESKD_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DESKD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.max_size", typ: kInt, env: "DESKD_CACHE_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxSize },
	},
	{
		key: "cache.ttl_minutes", typ: kInt, env: "DESKD_CACHE_TTL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.TTLMinutes },
	},
	{
		key: "cache.min_confidence", typ: kFloat, env: "DESKD_CACHE_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Cache.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.MinConfidence },
	},
	{
		key: "memory.max_messages", typ: kInt, env: "DESKD_MEMORY_MAX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxMessages },
	},
	{
		key: "memory.context_window", typ: kInt, env: "DESKD_MEMORY_CONTEXT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Memory.ContextWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.ContextWindow },
	},
	{
		key: "memory.idle_minutes", typ: kInt, env: "DESKD_MEMORY_IDLE_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Memory.IdleMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.IdleMinutes },
	},
	{
		key: "workflow.escalation_threshold", typ: kFloat, env: "DESKD_WORKFLOW_ESCALATION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Workflow.EscalationThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Workflow.EscalationThreshold },
	},
	{
		key: "workflow.top_k", typ: kInt, env: "DESKD_WORKFLOW_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Workflow.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.TopK },
	},
	{
		key: "generator.mode", typ: kString, env: "DESKD_GENERATOR_MODE",
		apply:   func(cfg *Config, v any) { cfg.Generator.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.Mode },
	},
	{
		key: "generator.api_key", typ: kString, env: "DESKD_GENERATOR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generator.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.APIKey },
	},
	{
		key: "generator.model", typ: kString, env: "DESKD_GENERATOR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generator.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.Model },
	},
	{
		key: "generator.base_url", typ: kString, env: "DESKD_GENERATOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generator.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.BaseURL },
	},
	{
		key: "feedback.path", typ: kString, env: "DESKD_FEEDBACK_PATH",
		apply:   func(cfg *Config, v any) { cfg.Feedback.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Feedback.Path },
	},
	{
		key: "log.level", typ: kString, env: "DESKD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
