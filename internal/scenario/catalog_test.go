package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogListsBuildContexts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"web-easy", "buffer-overflow"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name, "Dockerfile"), []byte("FROM alpine\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "no-dockerfile"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog(dir)
	ids, err := c.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "buffer-overflow" || ids[1] != "web-easy" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	id, ctxDir, err := c.At(1)
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if id != "web-easy" || ctxDir != filepath.Join(dir, "web-easy") {
		t.Fatalf("unexpected scenario %s %s", id, ctxDir)
	}
	for _, idx := range []int{-1, 2} {
		if _, _, err := c.At(idx); !errors.Is(err, ErrInvalidScenario) {
			t.Fatalf("index %d: expected ErrInvalidScenario, got %v", idx, err)
		}
	}
}
