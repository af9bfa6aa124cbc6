// Package config loads process settings from the environment and the
// rollout policy from YAML.
package config

import (
	"os"
	"strings"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	LogLevel     string
	LedgerDriver string
	LedgerDSN    string
	DataDir      string
	IssuerSeed   string
	RedisAddr    string
	OTELEndpoint string
	PolicyFile   string
	Boundary     string
	HealthFeed   string
	// DeployTargets are the checkout directories rollouts are applied to.
	DeployTargets []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		ListenAddr:    env("LISTEN_ADDR", ":8080"),
		LogLevel:      strings.ToUpper(env("LOG_LEVEL", "INFO")),
		LedgerDriver:  env("LEDGER_DRIVER", "file"),
		LedgerDSN:     os.Getenv("LEDGER_DSN"),
		DataDir:       env("DATA_DIR", "./data"),
		IssuerSeed:    os.Getenv("ISSUER_SEED"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		OTELEndpoint:  os.Getenv("OTEL_ENDPOINT"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		Boundary:      env("SANDBOX_BOUNDARY", "bwrap"), // bwrap or host
		HealthFeed:    os.Getenv("HEALTH_FEED_URL"),
		DeployTargets: list(os.Getenv("DEPLOY_TARGETS")),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func list(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
