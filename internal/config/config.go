package config

import (
	"fmt"
	"strings"
)

// Config holds everything the daemon and CLI need at startup.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Cache     CacheConfig
	Memory    MemoryConfig
	Workflow  WorkflowConfig
	Generator GeneratorConfig
	Feedback  FeedbackConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host    string
	Port    int
	MCPPort int
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	MaxSize       int
	TTLMinutes    int
	MinConfidence float64
}

type MemoryConfig struct {
	MaxMessages   int
	ContextWindow int
	// IdleMinutes > 0 evicts sessions idle longer than that; 0 disables
	// the sweeper.
	IdleMinutes int
}

type WorkflowConfig struct {
	EscalationThreshold float64
	TopK                int
}

type GeneratorConfig struct {
	Mode    string
	APIKey  string
	Model   string
	BaseURL string
}

type FeedbackConfig struct {
	// Path of the feedback JSONL file. Empty means
	// <storage.data_dir>/feedback.jsonl.
	Path string
}

type LogConfig struct {
	Level string
}

// Generator modes.
const (
	GeneratorExtractive = "extractive"
	GeneratorRemote     = "remote"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8000,
			MCPPort: 8001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			MaxSize:       500,
			TTLMinutes:    60,
			MinConfidence: 0.6,
		},
		Memory: MemoryConfig{
			MaxMessages:   10,
			ContextWindow: 3,
		},
		Workflow: WorkflowConfig{
			EscalationThreshold: 0.4,
			TopK:                3,
		},
		Generator: GeneratorConfig{
			Mode:  GeneratorExtractive,
			Model: "gpt-4o-mini",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.deskd.app) and the
// generator API key falls back to macOS Keychain. Elsewhere the backend
// is a JSON file at $XDG_CONFIG_HOME/deskd/config.json.
//
// Environment variables (DESKD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API key if still empty.
	if cfg.Generator.APIKey == "" {
		if key, err := kc.Get("deskd", "generator_api_key"); err == nil && key != "" {
			cfg.Generator.APIKey = key
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Generator.Mode {
	case GeneratorExtractive, GeneratorRemote:
	default:
		return fmt.Errorf("invalid generator.mode %q: must be %q or %q",
			cfg.Generator.Mode, GeneratorExtractive, GeneratorRemote)
	}
	if cfg.Generator.Mode == GeneratorRemote && cfg.Generator.APIKey == "" {
		msg := "missing required config: generator API key. " +
			"Set it via environment variable DESKD_GENERATOR_API_KEY" +
			apiKeyHint()
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
