package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "XP360_"

// loadFromEnv overlays XP360_* environment variables onto cfg. Unset
// variables leave the current value untouched.
func loadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadSecretsFromEnv resolves *_FILE variables (as mounted by Docker or
// Kubernetes secrets) for the DSN, the Redis password and the API keys.
// A file value wins over the plain variable.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	secrets := []struct {
		name  string
		apply func(string)
	}{
		{"SQL_DSN", func(v string) { c.Storage.SQL.DSN = v }},
		{"REDIS_PASSWORD", func(v string) { c.Storage.Redis.Password = v }},
		{"SECURITY_API_KEYS", func(v string) { c.Security.APIKeys = splitList(v) }},
	}
	for _, s := range secrets {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := os.Getenv(EnvPrefix + s.name + "_FILE")
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path) // #nosec G304 - operator supplied secret path
		if err != nil {
			return fmt.Errorf("read secret %s: %w", s.name, err)
		}
		s.apply(strings.TrimSpace(string(b)))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
