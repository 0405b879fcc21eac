// Package config is the root configuration for the relay engine: session
// enrolment, rate-limit tuning, file naming, forward defaults, and the
// ambient telemetry block, loaded with the teacher's JSON5-plus-env-override
// mechanism.
package config

import (
	"sync"
	"time"

	"github.com/vanducng/mediarelay/internal/ratelimit"
)

// Config is the root configuration for the relay engine.
type Config struct {
	Sessions  []SessionEntry  `json:"sessions"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Download  DownloadConfig  `json:"download"`
	Forward   ForwardConfig   `json:"forward"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// SessionEntry is one enrolled session: a name, a reference to where its
// credential lives (the credential itself is never persisted here — see
// applyEnvOverrides), and whether it should be logged in at startup.
type SessionEntry struct {
	Name          string `json:"name"`
	CredentialRef string `json:"credential_ref"` // env var name holding the bot token / session string
	Enabled       bool   `json:"enabled"`
}

// RateLimitConfig overrides internal/ratelimit.Config's defaults.
// Zero fields fall back to ratelimit.DefaultConfig() in ToRatelimitConfig.
type RateLimitConfig struct {
	GlobalPerMinute      float64 `json:"global_per_minute,omitempty"`
	DownloadPerMinute    float64 `json:"download_per_minute,omitempty"`
	UploadPerMinute      float64 `json:"upload_per_minute,omitempty"`
	PerSessionPerMinute  float64 `json:"per_session_per_minute,omitempty"`
	FloodWaitThresholdMs int     `json:"flood_wait_threshold_ms,omitempty"`
	AdaptiveFloodWindow  int     `json:"adaptive_flood_window,omitempty"`
	AdaptiveSuccessRatio float64 `json:"adaptive_success_ratio,omitempty"`
}

// FloodWaitThreshold returns the configured threshold, or 0 if unset (the
// caller should fall back to ratelimit.DefaultConfig()'s value).
func (r RateLimitConfig) FloodWaitThreshold() time.Duration {
	if r.FloodWaitThresholdMs <= 0 {
		return 0
	}
	return time.Duration(r.FloodWaitThresholdMs) * time.Millisecond
}

// DownloadConfig configures the local-download workflow (C7).
type DownloadConfig struct {
	DestDir           string   `json:"dest_dir"`
	FileNamePattern   string   `json:"file_name_pattern,omitempty"` // informational; BuildFileName's layout is fixed
	AllowedKinds      []string `json:"allowed_kinds,omitempty"`     // empty = allow all, per protocol.MediaKind names
	MaxFileSizeBytes  int64    `json:"max_file_size_bytes,omitempty"`
}

// ForwardConfig configures the staged-forward pipeline (C8). The run path
// reads only CleanupOnFailure; Template, BatchSize, PreserveStructure and
// GroupTimeoutMs are loaded and saved but not read by the pipeline, which
// renders captions with template.Default and cuts send batches at
// protocol.MaxBatchSize.
type ForwardConfig struct {
	Template           string `json:"template,omitempty"` // default template.Default
	BatchSize          int    `json:"batch_size,omitempty"`
	CleanupOnFailure   bool   `json:"cleanup_on_failure,omitempty"`
	PreserveStructure  bool   `json:"preserve_structure,omitempty"`
	GroupTimeoutMs     int    `json:"group_timeout_ms,omitempty"`
}

// GroupTimeout returns the configured group-assembly timeout, or 0 if unset.
func (f ForwardConfig) GroupTimeout() time.Duration {
	if f.GroupTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(f.GroupTimeoutMs) * time.Millisecond
}

// TelemetryConfig configures OpenTelemetry span export, matching the
// teacher's TelemetryConfig shape. Carried as ambient config surface even
// though spec.md's Non-goals exclude a metrics subsystem; `relay run` passes
// it to internal/telemetry.New.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex,
// matching the teacher's hot-reload pattern.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sessions = src.Sessions
	c.RateLimit = src.RateLimit
	c.Download = src.Download
	c.Forward = src.Forward
	c.Telemetry = src.Telemetry
}

// ToRatelimitConfig converts RateLimitConfig into ratelimit.Config, starting
// from ratelimit.DefaultConfig() and overlaying only the fields the user set,
// matching the teacher's CronConfig.ToRetryConfig/SandboxConfig.ToSandboxConfig
// overlay-onto-defaults pattern.
func (r RateLimitConfig) ToRatelimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if r.GlobalPerMinute > 0 {
		cfg.GlobalPerMinute = r.GlobalPerMinute
	}
	if r.DownloadPerMinute > 0 {
		cfg.DownloadPerMinute = r.DownloadPerMinute
	}
	if r.UploadPerMinute > 0 {
		cfg.UploadPerMinute = r.UploadPerMinute
	}
	if r.PerSessionPerMinute > 0 {
		cfg.PerSessionPerMinute = r.PerSessionPerMinute
	}
	if d := r.FloodWaitThreshold(); d > 0 {
		cfg.FloodWaitThreshold = d
	}
	if r.AdaptiveFloodWindow > 0 {
		cfg.AdaptiveFloodWindow = r.AdaptiveFloodWindow
	}
	if r.AdaptiveSuccessRatio > 0 {
		cfg.AdaptiveSuccessRatio = r.AdaptiveSuccessRatio
	}
	return cfg
}

// Snapshot returns a copy of the config safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
