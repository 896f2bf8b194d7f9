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
		key: "server.port", typ: kInt, env: "CVOPT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "llm.provider", typ: kString, env: "CVOPT_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.anthropic_model", typ: kString, env: "CVOPT_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.AnthropicModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.AnthropicModel },
	},
	{
		key: "llm.anthropic_api_key", typ: kString, env: "CVOPT_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.AnthropicAPIKey },
	},
	{
		key: "llm.groq_model", typ: kString, env: "CVOPT_GROQ_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.GroqModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GroqModel },
	},
	{
		key: "llm.groq_api_key", typ: kString, env: "CVOPT_GROQ_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.GroqAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GroqAPIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CVOPT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "render.chrome_path", typ: kString, env: "CVOPT_RENDER_CHROME_PATH",
		apply:   func(cfg *Config, v any) { cfg.Render.ChromePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Render.ChromePath },
	},
	{
		key: "log.level", typ: kString, env: "CVOPT_LOG_LEVEL",
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
		}
	}
}
