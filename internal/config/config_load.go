package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"

	"github.com/vanducng/mediarelay/internal/template"
)

// Default returns a Config with sensible defaults, matching the teacher's
// Default() constructor shape.
func Default() *Config {
	return &Config{
		Download: DownloadConfig{
			DestDir: "./downloads",
		},
		Forward: ForwardConfig{
			Template:          template.Default,
			BatchSize:         10,
			CleanupOnFailure:  false,
			PreserveStructure: false,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: a fresh install runs on defaults plus env vars,
// same as the teacher's Load().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and secrets (session credentials) are read
// only from env, never from the config file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				*dst = f
			}
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("RELAY_DEST_DIR", &c.Download.DestDir)
	envStr("RELAY_TEMPLATE", &c.Forward.Template)
	envInt("RELAY_BATCH_SIZE", &c.Forward.BatchSize)

	envFloat("RELAY_GLOBAL_PER_MINUTE", &c.RateLimit.GlobalPerMinute)
	envFloat("RELAY_DOWNLOAD_PER_MINUTE", &c.RateLimit.DownloadPerMinute)
	envFloat("RELAY_UPLOAD_PER_MINUTE", &c.RateLimit.UploadPerMinute)
	envFloat("RELAY_PER_SESSION_PER_MINUTE", &c.RateLimit.PerSessionPerMinute)

	envStr("RELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("RELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("RELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("RELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// A session whose CredentialRef env var is set is marked enabled; the
	// credential itself is read from that var later by Credential(), and the
	// config file never carries the secret.
	for i := range c.Sessions {
		if v := os.Getenv(c.Sessions[i].CredentialRef); v != "" {
			c.Sessions[i].Enabled = c.Sessions[i].Enabled || v != ""
		}
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after modifying config to restore the env-supplied
// values.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Credential resolves a SessionEntry's secret from its referenced env var.
func (e SessionEntry) Credential() []byte {
	return []byte(os.Getenv(e.CredentialRef))
}

// Save writes the config to a JSON file. Secrets are never included since
// SessionEntry only ever carries a CredentialRef, not the credential.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 hash of the config, for optimistic
// concurrency when the CLI or housekeeping job reloads it.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
