package config

import (
	"time"

	"github.com/kalambet/taskcheck/internal/orchestrator"
	"github.com/kalambet/taskcheck/internal/verification"
	"github.com/kalambet/taskcheck/internal/verifier"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Log          LogConfig
	Service      ServiceConfig
	Verify       VerifyConfig
	Orchestrator OrchestratorConfig
	Inspector    InspectorConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// ServiceConfig points at the remote verification service.
type ServiceConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
}

type VerifyConfig struct {
	Throttle        time.Duration
	MaxAttempts     int
	CacheTTL        time.Duration
	FailureTTL      time.Duration
	CompletionDelay time.Duration
}

type OrchestratorConfig struct {
	InitTimeout  time.Duration
	PollInterval time.Duration
	// Manifest is an optional path to a module manifest replacing the
	// built-in one.
	Manifest string
}

type InspectorConfig struct {
	BaseURL string
}

const secretService = "taskcheck"

func defaults() Config {
	opts := verifier.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Service: ServiceConfig{
			BaseURL: "http://localhost:8080",
			Timeout: opts.CallTimeout,
			Retries: opts.Retries,
		},
		Verify: VerifyConfig{
			Throttle:        verification.DefaultThrottleWindow,
			MaxAttempts:     verification.DefaultMaxAttempts,
			CacheTTL:        verification.DefaultBaseTTL,
			FailureTTL:      verification.DefaultFailureTTL,
			CompletionDelay: verification.DefaultCompletionDelay,
		},
		Orchestrator: OrchestratorConfig{
			InitTimeout:  orchestrator.DefaultInitTimeout,
			PollInterval: orchestrator.DefaultPollInterval,
		},
	}
}

// EngineConfig converts the verify section into engine limits.
func (c Config) EngineConfig() verification.Config {
	return verification.Config{
		ThrottleWindow:  c.Verify.Throttle,
		MaxAttempts:     c.Verify.MaxAttempts,
		BaseTTL:         c.Verify.CacheTTL,
		FailureTTL:      c.Verify.FailureTTL,
		CompletionDelay: c.Verify.CompletionDelay,
	}
}

// StrategyOptions converts the service section into strategy call options.
func (c Config) StrategyOptions() verifier.Options {
	opts := verifier.DefaultOptions()
	opts.CallTimeout = c.Service.Timeout
	opts.Retries = c.Service.Retries
	return opts
}

// InitOptions converts the orchestrator section into init pass options.
func (c Config) InitOptions() orchestrator.Options {
	return orchestrator.Options{
		Timeout:      c.Orchestrator.InitTimeout,
		PollInterval: c.Orchestrator.PollInterval,
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.taskcheck.app) and the
// service API key falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/taskcheck/config.json
// and secrets live in $XDG_DATA_HOME/taskcheck/secrets.json.
//
// Environment variables (TASKCHECK_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// An unset key leaves the service unconfigured; strategies then report
	// verification as unavailable instead of failing startup.
	if cfg.Service.APIKey == "" {
		if key, err := kc.Get(secretService, apiKeyAccount); err == nil && key != "" {
			cfg.Service.APIKey = key
		}
	}

	return cfg, nil
}
