package cmd

import (
	"testing"

	"github.com/vanducng/mediarelay/internal/config"
	"github.com/vanducng/mediarelay/internal/store/file"
	"github.com/vanducng/mediarelay/internal/workflow"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

func TestParseModeAcceptsKnownValues(t *testing.T) {
	cases := map[string]workflow.Mode{
		"download": workflow.ModeDownload,
		"":         workflow.ModeDownload,
		"Forward":  workflow.ModeForward,
	}
	for raw, want := range cases {
		got, err := parseMode(raw)
		if err != nil {
			t.Fatalf("parseMode(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("parseMode(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParseModeRejectsUnknownValue(t *testing.T) {
	if _, err := parseMode("bogus"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestParseTargetsTrimsAndDropsEmpty(t *testing.T) {
	got := parseTargets([]string{" a ", "", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected targets: %v", got)
	}
}

func TestDownloadFilterAppliesAllowListAndSizeCap(t *testing.T) {
	cfg := &config.Config{}
	cfg.Download.AllowedKinds = []string{"photo"}
	cfg.Download.MaxFileSizeBytes = 100

	filter := downloadFilter(cfg)

	if !filter(protocol.MediaPhoto, 50) {
		t.Fatalf("expected allowed kind under size cap to pass")
	}
	if filter(protocol.MediaVideo, 50) {
		t.Fatalf("expected disallowed kind to be rejected")
	}
	if filter(protocol.MediaPhoto, 200) {
		t.Fatalf("expected oversized file to be rejected")
	}
}

func TestSessionEntriesAuthStoreOverridesConfig(t *testing.T) {
	cfg := &config.Config{Sessions: []config.SessionEntry{
		{Name: "a", CredentialRef: "RELAY_TEST_CRED_A", Enabled: false},
		{Name: "b", CredentialRef: "RELAY_TEST_CRED_B", Enabled: true},
	}}

	store, err := file.Open(t.TempDir() + "/sessions.json")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put(file.Record{Name: "a", Artifact: []byte("stored-token"), Enabled: true}); err != nil {
		t.Fatalf("put record: %v", err)
	}

	entries := sessionEntries(cfg, store)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Enabled || string(entries[0].Artifact) != "stored-token" {
		t.Fatalf("expected auth store record to override config for %q: %+v", entries[0].Name, entries[0])
	}
	if entries[1].Enabled != true {
		t.Fatalf("expected config default enabled=true for %q with no auth store record", entries[1].Name)
	}
}
