package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Dir keeps one plain-text file per document in a directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func (d *Dir) Load(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	buf, err := os.ReadFile(filepath.Join(d.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("load %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load %q: %w", name, err)
	}
	return string(buf), nil
}

// Save writes through a temporary file so a crash never leaves a partial
// document behind.
func (d *Dir) Save(ctx context.Context, name, text string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, ".save-*")
	if err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("save %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.root, name)); err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	return nil
}

func (d *Dir) Close() error { return nil }
