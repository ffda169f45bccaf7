package main

import (
	"path/filepath"
	"testing"
)

func TestVersionCommandExitsClean(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("version exited %d, want 0", code)
	}
}

func TestServeRejectsConflictingSurfaceFlags(t *testing.T) {
	if code := run([]string{"serve", "--stdio-only", "--http-only"}); code != 1 {
		t.Fatalf("conflicting flags exited %d, want 1", code)
	}
}

func TestServeMissingExplicitConfigFails(t *testing.T) {
	absent := filepath.Join(t.TempDir(), "absent.yaml")
	if code := run([]string{"serve", "--config", absent}); code != 1 {
		t.Fatalf("missing config exited %d, want 1", code)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	if code := run([]string{"paint"}); code != 1 {
		t.Fatalf("unknown command exited %d, want 1", code)
	}
}
