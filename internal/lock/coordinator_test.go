package lock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/delta"
)

func request(t *testing.T, c *Coordinator, who Identity, line int) Result {
	t.Helper()
	res, err := c.RequestLock(who, line)
	require.NoError(t, err)
	return res
}

func assertExclusive(t *testing.T, c *Coordinator) {
	t.Helper()
	seen := make(map[Identity]int)
	for line, who := range c.Snapshot() {
		if prev, ok := seen[who]; ok {
			t.Fatalf("%s owns lines %d and %d", who, prev, line)
		}
		seen[who] = line
		held, ok := c.LineOf(who)
		require.True(t, ok)
		assert.Equal(t, line, held)
	}
}

func TestGrantDenyReleaseGrant(t *testing.T) {
	c := NewCoordinator()

	res := request(t, c, "A", 0)
	assert.True(t, res.Granted)
	assert.True(t, res.Changed)
	assert.Equal(t, Ownership{0: "A"}, c.Snapshot())

	res = request(t, c, "B", 0)
	assert.False(t, res.Granted)
	assert.False(t, res.Changed)
	assert.Equal(t, Identity("A"), res.Owner)
	assert.Equal(t, 0, res.Line)

	assert.True(t, c.ReleaseLock("A"))

	res = request(t, c, "B", 0)
	assert.True(t, res.Granted)
	assert.Equal(t, Ownership{0: "B"}, c.Snapshot())
	assertExclusive(t, c)
}

func TestRequestOwnLineIsGrantedWithoutChange(t *testing.T) {
	c := NewCoordinator()
	request(t, c, "A", 3)

	res := request(t, c, "A", 3)
	assert.True(t, res.Granted)
	assert.False(t, res.Changed)
}

func TestMovingLockReleasesPreviousLine(t *testing.T) {
	c := NewCoordinator()
	request(t, c, "A", 1)

	res := request(t, c, "A", 4)
	assert.True(t, res.Granted)
	assert.True(t, res.Changed)
	assert.Equal(t, Ownership{4: "A"}, c.Snapshot())

	_, ok := c.Owner(1)
	assert.False(t, ok)
	assertExclusive(t, c)
}

func TestDeniedRequestKeepsExistingLock(t *testing.T) {
	c := NewCoordinator()
	request(t, c, "A", 1)
	request(t, c, "B", 2)

	res := request(t, c, "B", 1)
	assert.False(t, res.Granted)
	assert.Equal(t, Ownership{1: "A", 2: "B"}, c.Snapshot())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewCoordinator()
	request(t, c, "A", 2)
	before := c.Snapshot()

	assert.False(t, c.ReleaseLock("B"))
	assert.Equal(t, before, c.Snapshot())

	assert.True(t, c.ReleaseLock("A"))
	assert.False(t, c.ReleaseLock("A"))
	assert.Empty(t, c.Snapshot())
}

func TestOnDisconnectClearsIdentity(t *testing.T) {
	c := NewCoordinator()
	request(t, c, "A", 0)
	request(t, c, "B", 5)

	assert.True(t, c.OnDisconnect("B"))
	for _, who := range c.Snapshot() {
		assert.NotEqual(t, Identity("B"), who)
	}
	_, ok := c.LineOf("B")
	assert.False(t, ok)
}

func TestRequestLockRejectsInvalidInput(t *testing.T) {
	c := NewCoordinator()

	_, err := c.RequestLock("A", -1)
	assert.True(t, errors.Is(err, ErrInvalidLine))

	_, err = c.RequestLock("", 0)
	assert.True(t, errors.Is(err, ErrInvalidLine))
	assert.Empty(t, c.Snapshot())
}

func TestValidateEdit(t *testing.T) {
	doc := "line0\nline1\nline2\nline3"

	tests := []struct {
		name     string
		who      Identity
		op       delta.Operation
		deniedOn int
	}{
		{name: "inside foreign line", who: "B", op: delta.Edit{Start: 13, End: 15, Text: "X"}, deniedOn: 2},
		{name: "insert into foreign line", who: "B", op: delta.Add{Position: 12, Text: "x"}, deniedOn: 2},
		{name: "range spanning foreign line", who: "B", op: delta.Delete{Start: 3, End: 20}, deniedOn: 2},
		{name: "own line", who: "A", op: delta.Edit{Start: 13, End: 15, Text: "X"}, deniedOn: -1},
		{name: "unowned line", who: "B", op: delta.Add{Position: 0, Text: "x"}, deniedOn: -1},
		{name: "line after", who: "B", op: delta.Delete{Start: 19, End: 21}, deniedOn: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator()
			request(t, c, "A", 2)

			err := c.ValidateEdit(tt.who, doc, tt.op)
			if tt.deniedOn < 0 {
				assert.NoError(t, err)
				return
			}
			var denied *EditDeniedError
			require.True(t, errors.As(err, &denied))
			assert.Equal(t, tt.deniedOn, denied.Line)
			assert.Equal(t, Identity("A"), denied.Owner)
			assert.Contains(t, denied.Reason(), "A")
		})
	}
}

func TestValidateEditReportsFirstForeignLine(t *testing.T) {
	c := NewCoordinator()
	request(t, c, "A", 3)
	request(t, c, "B", 1)

	err := c.ValidateEdit("C", "a\nb\nc\nd\ne", delta.Delete{Start: 0, End: 9})
	var denied *EditDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, 1, denied.Line)
	assert.Equal(t, Identity("B"), denied.Owner)
}

func TestRebase(t *testing.T) {
	doc := "a\nb\nc\nd"

	tests := []struct {
		name    string
		owners  map[Identity]int
		op      delta.Operation
		want    Ownership
		changed bool
	}{
		{
			name:    "newline inserted above",
			owners:  map[Identity]int{"A": 2, "B": 0},
			op:      delta.Add{Position: 1, Text: "\nx"},
			want:    Ownership{3: "A", 0: "B"},
			changed: true,
		},
		{
			name:    "line removed above",
			owners:  map[Identity]int{"A": 3},
			op:      delta.Delete{Start: 2, End: 4},
			want:    Ownership{2: "A"},
			changed: true,
		},
		{
			name:    "merged line collapses onto start",
			owners:  map[Identity]int{"A": 1, "B": 3},
			op:      delta.Delete{Start: 1, End: 2},
			want:    Ownership{0: "A", 2: "B"},
			changed: true,
		},
		{
			name:    "same line edit",
			owners:  map[Identity]int{"A": 1},
			op:      delta.Edit{Start: 2, End: 3, Text: "zz"},
			want:    Ownership{1: "A"},
			changed: false,
		},
		{
			name:    "lock on start line keeps it",
			owners:  map[Identity]int{"A": 0, "B": 1},
			op:      delta.Delete{Start: 1, End: 2},
			want:    Ownership{0: "A"},
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator()
			for who, line := range tt.owners {
				request(t, c, who, line)
			}
			assert.Equal(t, tt.changed, c.Rebase(doc, tt.op))
			assert.Equal(t, tt.want, c.Snapshot())
			assertExclusive(t, c)
		})
	}
}

func TestReset(t *testing.T) {
	c := NewCoordinator()
	assert.False(t, c.Reset())

	request(t, c, "A", 0)
	assert.True(t, c.Reset())
	assert.Empty(t, c.Snapshot())
	_, ok := c.LineOf("A")
	assert.False(t, ok)
}

func TestLineAt(t *testing.T) {
	doc := "ab\ncd\n\nef"
	assert.Equal(t, 0, LineAt(doc, 0))
	assert.Equal(t, 0, LineAt(doc, 2))
	assert.Equal(t, 1, LineAt(doc, 3))
	assert.Equal(t, 2, LineAt(doc, 6))
	assert.Equal(t, 3, LineAt(doc, 7))
	assert.Equal(t, 3, LineAt(doc, 100))
	assert.Equal(t, 0, LineAt(doc, -4))
}
