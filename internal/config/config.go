// Package config loads gateway configuration from config.yaml plus
// GEMINI_RELAY_ environment overrides.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Upstream    UpstreamConfig    `koanf:"upstream"`
	Fallback    FallbackConfig    `koanf:"fallback"`
	Models      ModelsConfig      `koanf:"models"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Usage       UsageConfig       `koanf:"usage"`
	LogLevel    string            `koanf:"log_level"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// CredentialsConfig describes the account pool. Either an explicit
// ordered path list or a scanned (optionally watched) directory.
type CredentialsConfig struct {
	ActivePath string   `koanf:"active_path"`
	Paths      []string `koanf:"paths"`
	Directory  string   `koanf:"directory"`
	Watch      bool     `koanf:"watch"`
	// Daily quota reset boundary: local hour in the given UTC offset.
	ResetHour      int `koanf:"reset_hour"`
	ResetUTCOffset int `koanf:"reset_utc_offset"`
}

type UpstreamConfig struct {
	// Ordered base-URL candidate lists per quota tier.
	PremiumEndpoints  []string `koanf:"premium_endpoints"`
	StandardEndpoints []string `koanf:"standard_endpoints"`
	// Endpoints tried in order for project-id discovery.
	DiscoveryEndpoints []string      `koanf:"discovery_endpoints"`
	DefaultProjectID   string        `koanf:"default_project_id"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	UserAgent          string        `koanf:"user_agent"`
	ClientMetadata     string        `koanf:"client_metadata"`
}

type FallbackConfig struct {
	// Chain maps a model to the next lower tier; absent key ends the chain.
	Chain       map[string]string `koanf:"chain"`
	CooldownTTL time.Duration     `koanf:"cooldown_ttl"`
}

type ModelsConfig struct {
	Default string `koanf:"default"`
	// Premium marks model prefixes routed through the premium-tier
	// endpoint list.
	PremiumPrefixes []string `koanf:"premium_prefixes"`
	// Advertised on /v1/models.
	Available []string `koanf:"available"`
}

type LedgerConfig struct {
	Path string `koanf:"path"`
}

type UsageConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (optional) and applies GEMINI_RELAY_ env
// overrides, then fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := k.Load(env.Provider("GEMINI_RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GEMINI_RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Credentials.Paths {
		cfg.Credentials.Paths[i] = substituteEnvVars(cfg.Credentials.Paths[i])
	}
	cfg.Credentials.ActivePath = substituteEnvVars(cfg.Credentials.ActivePath)
	cfg.Credentials.Directory = substituteEnvVars(cfg.Credentials.Directory)

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                  8317,
		"log_level":                    "info",
		"credentials.active_path":      "oauth_creds.json",
		"credentials.reset_hour":       0,
		"credentials.reset_utc_offset": 0,
		"upstream.premium_endpoints": []string{
			"https://daily-cloudcode-pa.sandbox.googleapis.com",
			"https://cloudcode-pa.googleapis.com",
		},
		"upstream.standard_endpoints": []string{
			"https://cloudcode-pa.googleapis.com",
			"https://daily-cloudcode-pa.sandbox.googleapis.com",
		},
		"upstream.discovery_endpoints": []string{
			"https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist",
			"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:loadCodeAssist",
		},
		"upstream.default_project_id": "default-project",
		"upstream.request_timeout":    "120s",
		"upstream.user_agent":         "gemini-relay/1.0 (linux; amd64)",
		"upstream.client_metadata":    "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
		"fallback.cooldown_ttl":       "1h",
		"fallback.chain": map[string]string{
			"gemini-2.5-pro":   "gemini-2.5-flash",
			"gemini-2.5-flash": "gemini-2.5-flash-lite",
		},
		"models.default":          "gemini-2.5-pro",
		"models.premium_prefixes": []string{"gemini-2.5-pro", "gemini-3-pro"},
		"models.available": []string{
			"gemini-2.5-pro",
			"gemini-2.5-flash",
			"gemini-2.5-flash-lite",
		},
		"ledger.path": "request_ledger.json",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
