package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Forward.BatchSize != 10 {
		t.Fatalf("expected default batch size 10, got %d", cfg.Forward.BatchSize)
	}
}

func TestLoadParsesFileAndEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		"download": {"dest_dir": "/from/file"},
		"forward": {"batch_size": 5}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_DEST_DIR", "/from/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Download.DestDir != "/from/env" {
		t.Fatalf("expected env override to win, got %q", cfg.Download.DestDir)
	}
	if cfg.Forward.BatchSize != 5 {
		t.Fatalf("expected file value 5, got %d", cfg.Forward.BatchSize)
	}
}

func TestSessionCredentialReadFromEnv(t *testing.T) {
	t.Setenv("RELAY_SESSION_A_TOKEN", "secret-token")
	e := SessionEntry{Name: "a", CredentialRef: "RELAY_SESSION_A_TOKEN"}
	if string(e.Credential()) != "secret-token" {
		t.Fatalf("expected credential from env")
	}
}

func TestRateLimitConfigOverlaysOnlySetFields(t *testing.T) {
	r := RateLimitConfig{GlobalPerMinute: 100}
	rc := r.ToRatelimitConfig()
	if rc.GlobalPerMinute != 100 {
		t.Fatalf("expected overridden global rate, got %v", rc.GlobalPerMinute)
	}
	if rc.DownloadPerMinute == 0 {
		t.Fatalf("expected default download rate to remain set")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	cfg := Default()
	h1 := cfg.Hash()
	cfg.Forward.BatchSize = 99
	h2 := cfg.Hash()
	if h1 == h2 {
		t.Fatalf("expected hash to change after mutation")
	}
}
