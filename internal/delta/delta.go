// Package delta computes and applies single-span text changes between two
// snapshots of a document.
//
// Positions are offsets counted in runes, never bytes, so a document holding
// multi-byte characters splices the same way on every replica.
package delta

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOutOfRange is returned when an operation refers to a position outside the
// document it is applied to. Callers treat it as a desynchronization signal.
var ErrOutOfRange = errors.New("operation out of range")

// Kind names an operation variant. The values double as wire message types.
type Kind string

const (
	KindAdd    Kind = "add"
	KindDelete Kind = "delete"
	KindEdit   Kind = "edit"
)

// Operation is a change between two document snapshots. It is one of Add,
// Delete or Edit.
type Operation interface {
	Kind() Kind
	// Span returns the affected range [start, end) of the pre-operation
	// document. For Add both values are the insertion point.
	Span() (start, end int)
	// Inserted returns the text written by the operation.
	Inserted() string

	apply(doc []rune) ([]rune, error)
	transform(offset int) int
}

// Add inserts Text at Position.
type Add struct {
	Position int
	Text     string
}

// Delete removes the half-open range [Start, End).
type Delete struct {
	Start int
	End   int
}

// Edit replaces the half-open range [Start, End) with Text.
type Edit struct {
	Start int
	End   int
	Text  string
}

func (Add) Kind() Kind    { return KindAdd }
func (Delete) Kind() Kind { return KindDelete }
func (Edit) Kind() Kind   { return KindEdit }

func (op Add) Span() (int, int)    { return op.Position, op.Position }
func (op Delete) Span() (int, int) { return op.Start, op.End }
func (op Edit) Span() (int, int)   { return op.Start, op.End }

func (op Add) Inserted() string  { return op.Text }
func (Delete) Inserted() string  { return "" }
func (op Edit) Inserted() string { return op.Text }

func (op Add) String() string {
	return fmt.Sprintf("add(%d,%q)", op.Position, op.Text)
}

func (op Delete) String() string {
	return fmt.Sprintf("delete(%d,%d)", op.Start, op.End)
}

func (op Edit) String() string {
	return fmt.Sprintf("edit(%d,%d,%q)", op.Start, op.End, op.Text)
}

// Compute returns the operation that turns old into updated. It strips the
// longest common prefix and then the longest common suffix that does not
// overlap it; what remains is a single contiguous change. The result is
// minimal for one insertion, deletion or replacement, which is what debounced
// editing produces, but not for arbitrary rearrangements.
func Compute(old, updated string) Operation {
	o, n := []rune(old), []rune(updated)
	limit := min(len(o), len(n))

	i := 0
	for i < limit && o[i] == n[i] {
		i++
	}
	j := 0
	for j < limit-i && o[len(o)-1-j] == n[len(n)-1-j] {
		j++
	}

	removed := o[i : len(o)-j]
	added := n[i : len(n)-j]
	switch {
	case len(removed) > 0 && len(added) > 0:
		return Edit{Start: i, End: len(o) - j, Text: string(added)}
	case len(removed) > 0:
		return Delete{Start: i, End: len(o) - j}
	default:
		return Add{Position: i, Text: string(added)}
	}
}

// IsNoop reports whether applying op leaves every document unchanged. Such
// operations must not be sent.
func IsNoop(op Operation) bool {
	start, end := op.Span()
	return start == end && op.Inserted() == ""
}

// Apply performs the splice described by op on doc. It fails with
// ErrOutOfRange when op does not fit doc.
func Apply(doc string, op Operation) (string, error) {
	out, err := op.apply([]rune(doc))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// TransformOffset maps an offset taken before op was applied to the offset of
// the same place in the text after op. Offsets in front of the change stay
// put; offsets inside a replaced range land right after the new text.
func TransformOffset(offset int, op Operation) int {
	return op.transform(offset)
}

// Shift returns op with every position moved by n.
func Shift(op Operation, n int) Operation {
	switch op := op.(type) {
	case Add:
		op.Position += n
		return op
	case Delete:
		op.Start += n
		op.End += n
		return op
	case Edit:
		op.Start += n
		op.End += n
		return op
	}
	return op
}

// Len returns the length of s in the unit used for operation positions.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

func checkRange(kind Kind, start, end, length int) error {
	if start < 0 || end < start || end > length {
		return fmt.Errorf("%s [%d,%d) on document of length %d: %w", kind, start, end, length, ErrOutOfRange)
	}
	return nil
}

func splice(doc []rune, start, end int, text string) []rune {
	ins := []rune(text)
	out := make([]rune, 0, len(doc)-(end-start)+len(ins))
	out = append(out, doc[:start]...)
	out = append(out, ins...)
	return append(out, doc[end:]...)
}

func (op Add) apply(doc []rune) ([]rune, error) {
	if err := checkRange(KindAdd, op.Position, op.Position, len(doc)); err != nil {
		return nil, err
	}
	return splice(doc, op.Position, op.Position, op.Text), nil
}

func (op Delete) apply(doc []rune) ([]rune, error) {
	if err := checkRange(KindDelete, op.Start, op.End, len(doc)); err != nil {
		return nil, err
	}
	return splice(doc, op.Start, op.End, ""), nil
}

func (op Edit) apply(doc []rune) ([]rune, error) {
	if err := checkRange(KindEdit, op.Start, op.End, len(doc)); err != nil {
		return nil, err
	}
	return splice(doc, op.Start, op.End, op.Text), nil
}

func (op Add) transform(offset int) int {
	if op.Position <= offset {
		return offset + Len(op.Text)
	}
	return offset
}

func (op Delete) transform(offset int) int {
	if op.Start < offset {
		return max(op.Start, offset-(op.End-op.Start))
	}
	return offset
}

func (op Edit) transform(offset int) int {
	if op.Start >= offset {
		return offset
	}
	if offset < op.End {
		return op.Start + Len(op.Text)
	}
	return offset + Len(op.Text) - (op.End - op.Start)
}
