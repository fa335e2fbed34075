package config

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// memBackend is an in-memory ConfigBackend for tests.
type memBackend struct {
	data map[string]any
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, fmt.Errorf("not an int: %v", v)
	}
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error  { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error          { delete(m.data, key); return nil }

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

func emptyBackend() *memBackend {
	return &memBackend{data: map[string]any{}}
}

func TestDefaults(t *testing.T) {
	t.Setenv("DESKD_GENERATOR_MODE", "")

	cfg, err := loadWith(emptyBackend(), mockKeychain{err: errors.New("no keychain")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 8001 {
		t.Errorf("Server.MCPPort = %d, want 8001", cfg.Server.MCPPort)
	}
	if cfg.Cache.MaxSize != 500 {
		t.Errorf("Cache.MaxSize = %d, want 500", cfg.Cache.MaxSize)
	}
	if cfg.Cache.TTLMinutes != 60 {
		t.Errorf("Cache.TTLMinutes = %d, want 60", cfg.Cache.TTLMinutes)
	}
	if cfg.Cache.MinConfidence != 0.6 {
		t.Errorf("Cache.MinConfidence = %v, want 0.6", cfg.Cache.MinConfidence)
	}
	if cfg.Memory.MaxMessages != 10 {
		t.Errorf("Memory.MaxMessages = %d, want 10", cfg.Memory.MaxMessages)
	}
	if cfg.Memory.ContextWindow != 3 {
		t.Errorf("Memory.ContextWindow = %d, want 3", cfg.Memory.ContextWindow)
	}
	if cfg.Memory.IdleMinutes != 0 {
		t.Errorf("Memory.IdleMinutes = %d, want 0 (sweeper off)", cfg.Memory.IdleMinutes)
	}
	if cfg.Workflow.EscalationThreshold != 0.4 {
		t.Errorf("Workflow.EscalationThreshold = %v, want 0.4", cfg.Workflow.EscalationThreshold)
	}
	if cfg.Workflow.TopK != 3 {
		t.Errorf("Workflow.TopK = %d, want 3", cfg.Workflow.TopK)
	}
	if cfg.Generator.Mode != GeneratorExtractive {
		t.Errorf("Generator.Mode = %q, want %q", cfg.Generator.Mode, GeneratorExtractive)
	}
	if cfg.Generator.Model != "gpt-4o-mini" {
		t.Errorf("Generator.Model = %q, want gpt-4o-mini", cfg.Generator.Model)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestBackendValues(t *testing.T) {
	b := &memBackend{data: map[string]any{
		"server.host":                   "0.0.0.0",
		"server.port":                   9100,
		"cache.max_size":                50,
		"cache.min_confidence":          0.8,
		"memory.max_messages":           20,
		"workflow.escalation_threshold": "0.55",
		"log.level":                     "debug",
	}}
	t.Setenv("DESKD_SERVER_PORT", "")
	t.Setenv("DESKD_LOG_LEVEL", "")

	cfg, err := loadWith(b, mockKeychain{err: errors.New("no keychain")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Cache.MaxSize != 50 {
		t.Errorf("Cache.MaxSize = %d, want 50", cfg.Cache.MaxSize)
	}
	if cfg.Cache.MinConfidence != 0.8 {
		t.Errorf("Cache.MinConfidence = %v, want 0.8", cfg.Cache.MinConfidence)
	}
	if cfg.Memory.MaxMessages != 20 {
		t.Errorf("Memory.MaxMessages = %d, want 20", cfg.Memory.MaxMessages)
	}
	if cfg.Workflow.EscalationThreshold != 0.55 {
		t.Errorf("Workflow.EscalationThreshold = %v, want 0.55", cfg.Workflow.EscalationThreshold)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := &memBackend{data: map[string]any{
		"server.port":          9100,
		"cache.min_confidence": 0.5,
	}}
	t.Setenv("DESKD_SERVER_PORT", "9200")
	t.Setenv("DESKD_CACHE_MIN_CONFIDENCE", "0.75")

	cfg, err := loadWith(b, mockKeychain{err: errors.New("no keychain")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want env override 9200", cfg.Server.Port)
	}
	if cfg.Cache.MinConfidence != 0.75 {
		t.Errorf("Cache.MinConfidence = %v, want env override 0.75", cfg.Cache.MinConfidence)
	}
}

func TestRemoteModeRequiresAPIKey(t *testing.T) {
	b := &memBackend{data: map[string]any{"generator.mode": GeneratorRemote}}
	t.Setenv("DESKD_GENERATOR_MODE", "")
	t.Setenv("DESKD_GENERATOR_API_KEY", "")

	_, err := loadWith(b, mockKeychain{err: errors.New("no keychain")})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}
}

func TestKeychainFallback(t *testing.T) {
	b := &memBackend{data: map[string]any{"generator.mode": GeneratorRemote}}
	t.Setenv("DESKD_GENERATOR_MODE", "")
	t.Setenv("DESKD_GENERATOR_API_KEY", "")

	cfg, err := loadWith(b, mockKeychain{value: "keychain-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generator.APIKey != "keychain-secret" {
		t.Errorf("Generator.APIKey = %q, want keychain-secret", cfg.Generator.APIKey)
	}
}

func TestEnvAPIKeyWinsOverKeychain(t *testing.T) {
	b := &memBackend{data: map[string]any{"generator.mode": GeneratorRemote}}
	t.Setenv("DESKD_GENERATOR_MODE", "")
	t.Setenv("DESKD_GENERATOR_API_KEY", "env-key")

	cfg, err := loadWith(b, mockKeychain{value: "keychain-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generator.APIKey != "env-key" {
		t.Errorf("Generator.APIKey = %q, want env-key", cfg.Generator.APIKey)
	}
}

func TestInvalidGeneratorMode(t *testing.T) {
	b := &memBackend{data: map[string]any{"generator.mode": "local"}}
	t.Setenv("DESKD_GENERATOR_MODE", "")

	_, err := loadWith(b, mockKeychain{err: errors.New("no keychain")})
	if err == nil {
		t.Fatal("expected error for invalid mode, got nil")
	}
	if !strings.Contains(err.Error(), "generator.mode") {
		t.Errorf("error = %q, want it to name generator.mode", err)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	infos := ShowAll(defaults())

	seen := map[string]KeyInfo{}
	for _, info := range infos {
		seen[info.Key] = info
	}
	if _, ok := seen["generator.api_key"]; ok {
		t.Error("ShowAll exposes generator.api_key")
	}
	port, ok := seen["server.port"]
	if !ok {
		t.Fatal("ShowAll missing server.port")
	}
	if port.EnvVar != "DESKD_SERVER_PORT" {
		t.Errorf("server.port EnvVar = %q, want DESKD_SERVER_PORT", port.EnvVar)
	}
	if port.Value != "8000" {
		t.Errorf("server.port Value = %q, want 8000", port.Value)
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()

	want := map[string]bool{}
	for _, k := range keys {
		want[k] = true
	}
	if !want["cache.max_size"] || !want["workflow.top_k"] {
		t.Errorf("ValidKeys = %v, missing expected keys", keys)
	}
	if want["generator.api_key"] {
		t.Error("ValidKeys includes the secret generator.api_key")
	}
}
