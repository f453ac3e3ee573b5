// Package config loads sandbox runtime settings from the environment,
// following the precedence rules the spec's environment table implies:
// explicit env var, then a YAML config file overlay, then a hardcoded
// default — mirroring the teacher's user/project JSON merge but sourced
// from the process environment instead of two settings.json files.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/choiros/sandbox/internal/apperr"
)

// Config holds the sandbox process's runtime settings, sourced from
// environment variables per spec.md §6.
type Config struct {
	DatabaseURL                 string `yaml:"database_url"`
	Port                        int    `yaml:"port"`
	DefaultModel                string `yaml:"default_model"`
	DisableConductorWorkers     bool   `yaml:"disable_conductor_workers"`
	ProviderGatewayBaseURL      string `yaml:"provider_gateway_base_url"`
	ProviderGatewayToken        string `yaml:"provider_gateway_token"`
	SandboxKeylessEnforced      bool   `yaml:"sandbox_keyless_enforced"`
	ProviderGatewayRateLimitRPM int    `yaml:"provider_gateway_rate_limit_rpm"`
	RunRoot                     string `yaml:"run_root"`
}

// Default returns the zero-config defaults a fresh sandbox process starts
// with before environment/file overlays are applied.
func Default() *Config {
	return &Config{
		DatabaseURL:                 "./sandbox.db",
		Port:                        8787,
		DefaultModel:                "claude",
		ProviderGatewayRateLimitRPM: 60,
		RunRoot:                     "./conductor/runs",
	}
}

// Load builds a Config from an optional YAML file followed by environment
// variable overrides — env wins, matching spec.md §6's env-var contract.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("CHOIR_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("CHOIR_DISABLE_CONDUCTOR_WORKERS"); v != "" {
		cfg.DisableConductorWorkers = isTrue(v)
	}
	if v := os.Getenv("CHOIR_PROVIDER_GATEWAY_BASE_URL"); v != "" {
		cfg.ProviderGatewayBaseURL = v
	}
	if v := os.Getenv("CHOIR_PROVIDER_GATEWAY_TOKEN"); v != "" {
		cfg.ProviderGatewayToken = v
	}
	if v := os.Getenv("CHOIROS_SANDBOX_KEYLESS_ENFORCED"); v != "" {
		cfg.SandboxKeylessEnforced = isTrue(v)
	}
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// providerKeyEnvByHost maps an allowed upstream host substring to the
// environment variable holding its credential, per spec.md §4.9 step 5.
var providerKeyEnvByHost = map[string]string{
	"api.openai.com":    "OPENAI_API_KEY",
	"api.anthropic.com": "ANTHROPIC_API_KEY",
	"api.z.ai":          "ZAI_API_KEY",
	"api.kimi.com":      "KIMI_API_KEY",
}

// ProviderKeyEnvForUpstream returns the credential env var name for an
// upstream base URL, or "" if unsupported.
func ProviderKeyEnvForUpstream(upstreamBaseURL string) string {
	for host, env := range providerKeyEnvByHost {
		if strings.Contains(upstreamBaseURL, host) {
			return env
		}
	}
	return ""
}

// KnownProviderKeyEnvVars lists every credential env var the sandbox
// process must NOT see when CHOIROS_SANDBOX_KEYLESS_ENFORCED is set.
func KnownProviderKeyEnvVars() []string {
	out := make([]string, 0, len(providerKeyEnvByHost))
	for _, env := range providerKeyEnvByHost {
		out = append(out, env)
	}
	return out
}

// ProviderKeyEnvMap returns a copy of the upstream-host-substring to
// credential-env-var table, for wiring into providergateway.Config.
func ProviderKeyEnvMap() map[string]string {
	out := make(map[string]string, len(providerKeyEnvByHost))
	for host, env := range providerKeyEnvByHost {
		out[host] = env
	}
	return out
}

// AllowedUpstreams returns the default upstream base URLs the provider
// gateway permits, derived from the same host table (spec.md §4.9 step 4).
func AllowedUpstreams() []string {
	out := make([]string, 0, len(providerKeyEnvByHost))
	for host := range providerKeyEnvByHost {
		out = append(out, "https://"+host)
	}
	return out
}

// EnforceKeylessPolicy refuses to let the sandbox process start when
// SandboxKeylessEnforced is set and a provider credential is visible in
// its own environment (spec.md §6's keyless-sandbox guarantee: provider
// credentials must live only in the provider gateway's process).
func (cfg *Config) EnforceKeylessPolicy() error {
	if !cfg.SandboxKeylessEnforced {
		return nil
	}
	for _, env := range KnownProviderKeyEnvVars() {
		if os.Getenv(env) != "" {
			return apperr.New(apperr.PermissionDenied,
				"config: sandbox_keyless_enforced is set but "+env+" is present in the sandbox environment")
		}
	}
	return nil
}
