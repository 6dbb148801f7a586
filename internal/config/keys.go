package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
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
		key: "server.port", typ: kInt, env: "TASKCHECK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TASKCHECK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TASKCHECK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "service.base_url", typ: kString, env: "TASKCHECK_SERVICE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Service.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.BaseURL },
	},
	{
		key: "service.api_key", typ: kString, env: "TASKCHECK_SERVICE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Service.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.APIKey },
	},
	{
		key: "service.timeout", typ: kDuration, env: "TASKCHECK_SERVICE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Service.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Service.Timeout },
	},
	{
		key: "service.retries", typ: kInt, env: "TASKCHECK_SERVICE_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Service.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Service.Retries },
	},
	{
		key: "verify.throttle", typ: kDuration, env: "TASKCHECK_VERIFY_THROTTLE",
		apply:   func(cfg *Config, v any) { cfg.Verify.Throttle = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Verify.Throttle },
	},
	{
		key: "verify.max_attempts", typ: kInt, env: "TASKCHECK_VERIFY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Verify.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Verify.MaxAttempts },
	},
	{
		key: "verify.cache_ttl", typ: kDuration, env: "TASKCHECK_VERIFY_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Verify.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Verify.CacheTTL },
	},
	{
		key: "verify.failure_ttl", typ: kDuration, env: "TASKCHECK_VERIFY_FAILURE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Verify.FailureTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Verify.FailureTTL },
	},
	{
		key: "verify.completion_delay", typ: kDuration, env: "TASKCHECK_VERIFY_COMPLETION_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Verify.CompletionDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Verify.CompletionDelay },
	},
	{
		key: "orchestrator.init_timeout", typ: kDuration, env: "TASKCHECK_ORCHESTRATOR_INIT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.InitTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestrator.InitTimeout },
	},
	{
		key: "orchestrator.poll_interval", typ: kDuration, env: "TASKCHECK_ORCHESTRATOR_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestrator.PollInterval },
	},
	{
		key: "orchestrator.manifest", typ: kString, env: "TASKCHECK_ORCHESTRATOR_MANIFEST",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Manifest = v.(string) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Manifest },
	},
	{
		key: "inspector.base_url", typ: kString, env: "TASKCHECK_INSPECTOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inspector.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inspector.BaseURL },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
