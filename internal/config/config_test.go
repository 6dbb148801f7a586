package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
	sets   int
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.sets++
	m.values[service+"/"+account] = value
	return nil
}

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]any
}

func newMemBackend(kv map[string]any) *memBackend {
	if kv == nil {
		kv = make(map[string]any)
	}
	return &memBackend{data: kv}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (b *memBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *memBackend) Delete(key string) error { delete(b.data, key); return nil }

// TestDefaults verifies all default values are applied with an empty backend.
func TestDefaults(t *testing.T) {
	t.Setenv("TASKCHECK_SERVICE_API_KEY", "")

	cfg, err := loadWith(newMemBackend(nil), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Verify.Throttle != 3*time.Second {
		t.Errorf("Verify.Throttle = %v, want 3s", cfg.Verify.Throttle)
	}
	if cfg.Verify.MaxAttempts != 5 {
		t.Errorf("Verify.MaxAttempts = %d, want 5", cfg.Verify.MaxAttempts)
	}
	if cfg.Verify.CacheTTL != 5*time.Minute {
		t.Errorf("Verify.CacheTTL = %v, want 5m", cfg.Verify.CacheTTL)
	}
	if cfg.Orchestrator.InitTimeout != 10*time.Second {
		t.Errorf("Orchestrator.InitTimeout = %v, want 10s", cfg.Orchestrator.InitTimeout)
	}
	if cfg.Service.APIKey != "" {
		t.Errorf("Service.APIKey = %q, want empty", cfg.Service.APIKey)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

// TestBackendValues verifies values stored in the backend are applied.
func TestBackendValues(t *testing.T) {
	b := newMemBackend(map[string]any{
		"server.port":                5000,
		"service.base_url":           "https://verify.example.com",
		"verify.throttle":            "10s",
		"verify.max_attempts":        3,
		"orchestrator.poll_interval": "20ms",
		"inspector.base_url":         "https://content.example.com",
	})

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Service.BaseURL != "https://verify.example.com" {
		t.Errorf("Service.BaseURL = %q", cfg.Service.BaseURL)
	}
	if cfg.Verify.Throttle != 10*time.Second {
		t.Errorf("Verify.Throttle = %v, want 10s", cfg.Verify.Throttle)
	}
	if cfg.Verify.MaxAttempts != 3 {
		t.Errorf("Verify.MaxAttempts = %d, want 3", cfg.Verify.MaxAttempts)
	}
	if cfg.Orchestrator.PollInterval != 20*time.Millisecond {
		t.Errorf("Orchestrator.PollInterval = %v, want 20ms", cfg.Orchestrator.PollInterval)
	}
	if cfg.Inspector.BaseURL != "https://content.example.com" {
		t.Errorf("Inspector.BaseURL = %q", cfg.Inspector.BaseURL)
	}
}

// TestInvalidDurationKeepsDefault verifies a bad duration falls back to the default.
func TestInvalidDurationKeepsDefault(t *testing.T) {
	b := newMemBackend(map[string]any{"verify.cache_ttl": "soon"})
	t.Setenv("TASKCHECK_VERIFY_FAILURE_TTL", "-5s")

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Verify.CacheTTL != 5*time.Minute {
		t.Errorf("Verify.CacheTTL = %v, want default 5m", cfg.Verify.CacheTTL)
	}
	if cfg.Verify.FailureTTL != 30*time.Second {
		t.Errorf("Verify.FailureTTL = %v, want default 30s", cfg.Verify.FailureTTL)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := newMemBackend(map[string]any{"server.port": 5000, "verify.throttle": "10s"})
	t.Setenv("TASKCHECK_SERVER_PORT", "6000")
	t.Setenv("TASKCHECK_VERIFY_THROTTLE", "1s")
	t.Setenv("TASKCHECK_SERVICE_API_KEY", "env-key")

	kc := &mockKeychain{values: map[string]string{"taskcheck/service_api_key": "keychain-key"}}
	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Verify.Throttle != time.Second {
		t.Errorf("Verify.Throttle = %v, want 1s", cfg.Verify.Throttle)
	}
	if cfg.Service.APIKey != "env-key" {
		t.Errorf("Service.APIKey = %q, want env-key", cfg.Service.APIKey)
	}
}

// TestKeychainFallback verifies the keychain is consulted when no API key is in env.
func TestKeychainFallback(t *testing.T) {
	t.Setenv("TASKCHECK_SERVICE_API_KEY", "")

	kc := &mockKeychain{values: map[string]string{"taskcheck/service_api_key": "keychain-secret"}}
	cfg, err := loadWith(newMemBackend(nil), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.APIKey != "keychain-secret" {
		t.Errorf("Service.APIKey = %q, want keychain-secret", cfg.Service.APIKey)
	}
}

// TestBackendReadError verifies backend errors abort loading.
func TestBackendReadError(t *testing.T) {
	b := newMemBackend(map[string]any{"server.port": "not-a-number"})
	_, err := loadWith(b, &mockKeychain{})
	if err == nil {
		t.Fatal("expected error for malformed backend value")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error = %q, want it to mention server.port", err.Error())
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := defaults()
	cfg.Verify.Throttle = 7 * time.Second
	cfg.Verify.MaxAttempts = 2
	cfg.Service.Retries = 4

	ec := cfg.EngineConfig()
	if ec.ThrottleWindow != 7*time.Second || ec.MaxAttempts != 2 {
		t.Errorf("EngineConfig = %+v", ec)
	}
	if got := cfg.StrategyOptions().Retries; got != 4 {
		t.Errorf("StrategyOptions().Retries = %d, want 4", got)
	}
	if got := cfg.InitOptions().Timeout; got != 10*time.Second {
		t.Errorf("InitOptions().Timeout = %v, want 10s", got)
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKeyWith(b, "verify.max_attempts", "7"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if b.data["verify.max_attempts"] != 7 {
		t.Errorf("stored = %v, want 7", b.data["verify.max_attempts"])
	}
	if err := setKeyWith(b, "verify.throttle", "2s"); err != nil {
		t.Fatalf("set duration: %v", err)
	}
	if b.data["verify.throttle"] != "2s" {
		t.Errorf("stored = %v, want 2s", b.data["verify.throttle"])
	}

	tests := []struct {
		key, value, want string
	}{
		{"verify.max_attempts", "many", "invalid integer"},
		{"verify.throttle", "later", "invalid duration"},
		{"service.api_key", "secret", "cannot set secret"},
		{"nope.key", "x", "unknown config key"},
	}
	for _, tt := range tests {
		err := setKeyWith(b, tt.key, tt.value)
		if err == nil {
			t.Errorf("setKeyWith(%q, %q) = nil, want error", tt.key, tt.value)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKeyWith(%q) error = %q, want %q", tt.key, err.Error(), tt.want)
		}
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Service.APIKey = "super-secret"

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "super-secret") {
			t.Errorf("ShowAll leaked secret under %s", k.Key)
		}
		if k.Key == "service.api_key" && k.Value != "(set)" {
			t.Errorf("service.api_key = %q, want (set)", k.Value)
		}
		if k.Key == "verify.throttle" && k.Value != "3s" {
			t.Errorf("verify.throttle = %q, want 3s", k.Value)
		}
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}

	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first != second {
		t.Error("token should be stable once generated")
	}
	if kc.sets != 1 {
		t.Errorf("Set called %d times, want 1", kc.sets)
	}
}
