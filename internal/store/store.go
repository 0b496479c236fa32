// Package store persists named snapshots of the shared document.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no document is stored under a name.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidName is returned for empty names and names that could escape
	// the store, such as paths.
	ErrInvalidName = errors.New("invalid document name")
)

// Store lists, loads and saves documents by name.
type Store interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, name string) (string, error)
	Save(ctx context.Context, name, text string) error
	Close() error
}

const maxNameLength = 255

// ValidateName rejects names that are empty, too long, hidden, or contain
// path separators or control characters.
func ValidateName(name string) error {
	switch {
	case name == "", strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidName, name)
		}
	}
	return nil
}
