// Package lock implements line-granular edit rights over the shared document.
//
// Every line is either unlocked or locked by exactly one collaborator, and a
// collaborator holds at most one line at a time. Edits are validated against
// the ownership map before they reach the document.
package lock

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"collabtext/internal/delta"
)

// ErrInvalidLine is returned for negative line indices and empty identities.
var ErrInvalidLine = errors.New("invalid line lock request")

// Identity is an opaque collaborator token. Two identities are the same
// collaborator exactly when they compare equal.
type Identity string

// Ownership maps a line index to the collaborator that holds it.
type Ownership map[int]Identity

// Result describes the outcome of a lock request.
type Result struct {
	Line    int
	Granted bool
	// Owner is the identity holding Line after the request. On denial it is
	// the competing collaborator.
	Owner Identity
	// Changed reports whether the ownership map was modified and needs to be
	// broadcast.
	Changed bool
}

// EditDeniedError rejects an edit that touches a line owned by someone else.
type EditDeniedError struct {
	Line  int
	Owner Identity
}

func (e *EditDeniedError) Error() string {
	return fmt.Sprintf("line %d is locked by %s", e.Line, e.Owner)
}

// Reason is the human readable text sent back to the rejected collaborator.
func (e *EditDeniedError) Reason() string {
	return fmt.Sprintf("line is being edited by %s", e.Owner)
}

// Coordinator is the authoritative line ownership state machine.
//
// Its own lock keeps the ownership map consistent; callers that need
// validation and document mutation to be atomic together must still
// serialize those steps themselves.
type Coordinator struct {
	mu     sync.Mutex
	owners map[int]Identity
	held   map[Identity]int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		owners: make(map[int]Identity),
		held:   make(map[Identity]int),
	}
}

// RequestLock grants line to who when it is unlocked or already theirs. A
// different line previously held by who is released as part of the grant.
func (c *Coordinator) RequestLock(who Identity, line int) (Result, error) {
	if who == "" || line < 0 {
		return Result{}, fmt.Errorf("%w: %q on line %d", ErrInvalidLine, who, line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.owners[line]; ok && owner != who {
		return Result{Line: line, Owner: owner}, nil
	}

	changed := false
	if prev, ok := c.held[who]; ok && prev != line {
		delete(c.owners, prev)
		changed = true
	}
	if _, ok := c.owners[line]; !ok {
		c.owners[line] = who
		c.held[who] = line
		changed = true
	}
	return Result{Line: line, Granted: true, Owner: who, Changed: changed}, nil
}

// ReleaseLock clears whatever line who holds. It reports whether anything
// was released; releasing nothing is not an error.
func (c *Coordinator) ReleaseLock(who Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked(who)
}

// OnDisconnect drops the lock of a collaborator whose session ended.
func (c *Coordinator) OnDisconnect(who Identity) bool {
	return c.ReleaseLock(who)
}

func (c *Coordinator) releaseLocked(who Identity) bool {
	line, ok := c.held[who]
	if !ok {
		return false
	}
	delete(c.held, who)
	delete(c.owners, line)
	return true
}

// ValidateEdit checks op, expressed against doc, against the ownership map.
// It returns an *EditDeniedError naming the first foreign-owned line the
// operation touches.
func (c *Coordinator) ValidateEdit(who Identity, doc string, op delta.Operation) error {
	first, last := touchedLines(doc, op)

	c.mu.Lock()
	defer c.mu.Unlock()

	var denied *EditDeniedError
	for line, owner := range c.owners {
		if line < first || line > last || owner == who {
			continue
		}
		if denied == nil || line < denied.Line {
			denied = &EditDeniedError{Line: line, Owner: owner}
		}
	}
	if denied != nil {
		return denied
	}
	return nil
}

// Rebase moves ownership to follow the text after op, expressed against the
// pre-operation doc, was applied. Lines below the edit shift by the number of
// newlines it added or removed, and lines merged away by the edit collapse
// onto the line where it starts. It reports whether the map changed.
func (c *Coordinator) Rebase(doc string, op delta.Operation) bool {
	first, last := touchedLines(doc, op)
	added := strings.Count(op.Inserted(), "\n")
	shift := added - (last - first)
	if shift == 0 && last == first {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	moved := make(map[int]Identity, len(c.owners))
	changed := false
	for _, line := range slices.Sorted(maps.Keys(c.owners)) {
		owner := c.owners[line]
		target := line
		switch {
		case line <= first:
		case line <= last:
			target = first
		default:
			target = line + shift
		}
		if target != line {
			changed = true
		}
		if _, taken := moved[target]; taken {
			// Lines are visited in order, so the lock already on first wins.
			delete(c.held, owner)
			changed = true
			continue
		}
		moved[target] = owner
		c.held[owner] = target
	}
	c.owners = moved
	return changed
}

// Reset drops every lock. It reports whether any lock was held.
func (c *Coordinator) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	had := len(c.owners) > 0
	c.owners = make(map[int]Identity)
	c.held = make(map[Identity]int)
	return had
}

// Snapshot returns a copy of the ownership map.
func (c *Coordinator) Snapshot() Ownership {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(Ownership(c.owners))
}

func (c *Coordinator) Owner(line int) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	who, ok := c.owners[line]
	return who, ok
}

func (c *Coordinator) LineOf(who Identity) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, ok := c.held[who]
	return line, ok
}

// LineAt returns the 0-based line containing the rune offset in doc. Offsets
// outside the document are clamped.
func LineAt(doc string, offset int) int {
	line := 0
	i := 0
	for _, r := range doc {
		if i >= offset {
			break
		}
		if r == '\n' {
			line++
		}
		i++
	}
	return line
}

func touchedLines(doc string, op delta.Operation) (first, last int) {
	start, end := op.Span()
	return LineAt(doc, start), LineAt(doc, end)
}
