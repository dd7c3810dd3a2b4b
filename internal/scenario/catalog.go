// Package scenario lists the build contexts teams can be provisioned from.
// Each scenario is a directory holding a Dockerfile; its name is both the
// scenario id and the image tag.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var ErrInvalidScenario = errors.New("invalid scenario")

type Catalog struct {
	dir string
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// List returns scenario ids in index order.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.dir, e.Name(), "Dockerfile")); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// At resolves a zero-based index to the scenario id and its build context.
func (c *Catalog) At(index int) (string, string, error) {
	ids, err := c.List()
	if err != nil {
		return "", "", err
	}
	if index < 0 || index >= len(ids) {
		return "", "", fmt.Errorf("%w: index %d of %d", ErrInvalidScenario, index, len(ids))
	}
	return ids[index], filepath.Join(c.dir, ids[index]), nil
}
