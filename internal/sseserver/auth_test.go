package sseserver_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/onmcp/onmcp/internal/sseserver"
)

func TestLoadOrCreateToken_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")

	token1, err := sseserver.LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(token1) != 64 { // 32 bytes, hex-encoded
		t.Fatalf("expected a 64-char hex token, got %d chars", len(token1))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected owner-only permissions, got %v", info.Mode().Perm())
	}

	token2, err := sseserver.LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if token1 != token2 {
		t.Fatal("expected the token to persist across loads")
	}
}
