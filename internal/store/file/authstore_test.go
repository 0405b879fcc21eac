package file

import (
	"path/filepath"
	"testing"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "auth.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestPutThenReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(Record{Name: "a", Artifact: []byte("tok"), Enabled: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	r, ok := reopened.Get("a")
	if !ok {
		t.Fatalf("expected record %q to round-trip", "a")
	}
	if string(r.Artifact) != "tok" || !r.Enabled {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestSetEnabledUnknownSessionErrors(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "auth.json"))
	if err := s.SetEnabled("missing", true); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}
