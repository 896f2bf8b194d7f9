// Package config loads cvopt configuration from a JSON config file with
// environment variable overrides. API keys are env-only and never written
// to disk.
package config

import "fmt"

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Storage StorageConfig
	Render  RenderConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type LLMConfig struct {
	Provider        string // "anthropic" or "groq"
	AnthropicModel  string
	AnthropicAPIKey string
	GroqModel       string
	GroqAPIKey      string
}

type StorageConfig struct {
	DataDir string
}

type RenderConfig struct {
	ChromePath string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 3055,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			AnthropicModel: "claude-sonnet-4-20250514",
			GroqModel:      "llama-3.3-70b-versatile",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/cvopt/config.json, then applies CVOPT_* environment
// overrides. The selected provider's API key must be present.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	switch cfg.LLM.Provider {
	case "anthropic":
		if cfg.LLM.AnthropicAPIKey == "" {
			return Config{}, fmt.Errorf("missing required config: Anthropic API key. Set it via environment variable CVOPT_ANTHROPIC_API_KEY")
		}
	case "groq":
		if cfg.LLM.GroqAPIKey == "" {
			return Config{}, fmt.Errorf("missing required config: Groq API key. Set it via environment variable CVOPT_GROQ_API_KEY")
		}
	default:
		return Config{}, fmt.Errorf("unknown llm.provider %q: must be \"anthropic\" or \"groq\"", cfg.LLM.Provider)
	}

	return cfg, nil
}
