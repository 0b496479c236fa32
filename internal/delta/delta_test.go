package delta

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want Operation
	}{
		{name: "replace tail", old: "hello", new: "help", want: Edit{Start: 3, End: 5, Text: "p"}},
		{name: "delete tail", old: "ab", new: "a", want: Delete{Start: 1, End: 2}},
		{name: "append", old: "ab", new: "abc", want: Add{Position: 2, Text: "c"}},
		{name: "prepend", old: "world", new: "hello world", want: Add{Position: 0, Text: "hello "}},
		{name: "insert repeated char", old: "aa", new: "aaa", want: Add{Position: 2, Text: "a"}},
		{name: "delete middle", old: "hello go world", new: "hello world", want: Delete{Start: 6, End: 9}},
		{name: "from empty", old: "", new: "abc", want: Add{Position: 0, Text: "abc"}},
		{name: "to empty", old: "abc", new: "", want: Delete{Start: 0, End: 3}},
		{name: "identical", old: "same", new: "same", want: Add{Position: 4, Text: ""}},
		{name: "both empty", old: "", new: "", want: Add{Position: 0, Text: ""}},
		{name: "newline inserted", old: "ab\ncd", new: "ab\nx\ncd", want: Add{Position: 3, Text: "x\n"}},
		{name: "multibyte", old: "héllo", new: "hallo", want: Edit{Start: 1, End: 2, Text: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.old, tt.new)
			assert.Equal(t, tt.want, got)

			applied, err := Apply(tt.old, got)
			require.NoError(t, err)
			assert.Equal(t, tt.new, applied)
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, Compute("the cat sat", "the bat sat"), Compute("the cat sat", "the bat sat"))
	}
}

func TestIsNoop(t *testing.T) {
	assert.True(t, IsNoop(Compute("abc", "abc")))
	assert.True(t, IsNoop(Delete{Start: 2, End: 2}))
	assert.True(t, IsNoop(Edit{Start: 1, End: 1}))
	assert.False(t, IsNoop(Add{Position: 0, Text: "x"}))
	assert.False(t, IsNoop(Delete{Start: 0, End: 1}))
	assert.False(t, IsNoop(Edit{Start: 1, End: 1, Text: "y"}))
}

func TestApplyOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{name: "add past end", op: Add{Position: 4, Text: "x"}},
		{name: "add negative", op: Add{Position: -1, Text: "x"}},
		{name: "delete past end", op: Delete{Start: 1, End: 5}},
		{name: "delete reversed", op: Delete{Start: 2, End: 1}},
		{name: "edit past end", op: Edit{Start: 3, End: 9, Text: "x"}},
		{name: "edit negative", op: Edit{Start: -2, End: 1, Text: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply("abc", tt.op)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOutOfRange))
		})
	}
}

func TestApplyAtBounds(t *testing.T) {
	got, err := Apply("abc", Add{Position: 3, Text: "d"})
	require.NoError(t, err)
	assert.Equal(t, "abcd", got)

	got, err = Apply("abc", Delete{Start: 0, End: 3})
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = Apply("日本語", Edit{Start: 1, End: 2, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "日x語", got)
}

func TestTransformOffset(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		op     Operation
		want   int
	}{
		{name: "add before", offset: 5, op: Add{Position: 2, Text: "xyz"}, want: 8},
		{name: "add at offset", offset: 2, op: Add{Position: 2, Text: "xyz"}, want: 5},
		{name: "add after", offset: 1, op: Add{Position: 2, Text: "xyz"}, want: 1},
		{name: "delete before", offset: 8, op: Delete{Start: 2, End: 5}, want: 5},
		{name: "delete around", offset: 3, op: Delete{Start: 2, End: 5}, want: 2},
		{name: "delete at start", offset: 2, op: Delete{Start: 2, End: 5}, want: 2},
		{name: "delete after", offset: 1, op: Delete{Start: 2, End: 5}, want: 1},
		{name: "edit before growing", offset: 10, op: Edit{Start: 2, End: 4, Text: "abcd"}, want: 12},
		{name: "edit before shrinking", offset: 10, op: Edit{Start: 2, End: 6, Text: "a"}, want: 7},
		{name: "edit inside", offset: 5, op: Edit{Start: 2, End: 6, Text: "a"}, want: 3},
		{name: "edit at end", offset: 6, op: Edit{Start: 2, End: 6, Text: "a"}, want: 3},
		{name: "edit at start", offset: 2, op: Edit{Start: 2, End: 6, Text: "a"}, want: 2},
		{name: "multibyte insert", offset: 4, op: Add{Position: 0, Text: "ñé"}, want: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TransformOffset(tt.offset, tt.op))
		})
	}
}

const alphabet = "ab\nc é"

func randomText(r *rand.Rand, maxLen int) string {
	letters := []rune(alphabet)
	n := r.IntN(maxLen + 1)
	out := make([]rune, n)
	for i := range out {
		out[i] = letters[r.IntN(len(letters))]
	}
	return string(out)
}

// mutate applies one random contiguous change to s.
func mutate(r *rand.Rand, s string) string {
	runes := []rune(s)
	start := r.IntN(len(runes) + 1)
	end := start + r.IntN(len(runes)-start+1)
	return string(runes[:start]) + randomText(r, 4) + string(runes[end:])
}

func TestRoundTripProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		old := randomText(r, 12)
		var updated string
		if i%2 == 0 {
			updated = mutate(r, old)
		} else {
			updated = randomText(r, 12)
		}

		op := Compute(old, updated)
		got, err := Apply(old, op)
		require.NoError(t, err, "old=%q new=%q op=%v", old, updated, op)
		require.Equal(t, updated, got, "old=%q op=%v", old, op)

		start, end := op.Span()
		require.LessOrEqual(t, start, end)
		require.LessOrEqual(t, end, Len(old))
		if old == updated {
			require.True(t, IsNoop(op))
		}
	}
}

func TestOffsetSoundnessProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 500; i++ {
		old := randomText(r, 10)
		updated := mutate(r, old)
		op := Compute(old, updated)
		for o := 0; o <= Len(old); o++ {
			got := TransformOffset(o, op)
			require.GreaterOrEqual(t, got, 0, "old=%q op=%v offset=%d", old, op, o)
			require.LessOrEqual(t, got, Len(updated), "old=%q op=%v offset=%d", old, op, o)
		}
	}
}

func TestShift(t *testing.T) {
	assert.Equal(t, Add{Position: 5, Text: "x"}, Shift(Add{Position: 2, Text: "x"}, 3))
	assert.Equal(t, Delete{Start: 0, End: 2}, Shift(Delete{Start: 1, End: 3}, -1))
	assert.Equal(t, Edit{Start: 4, End: 6, Text: "y"}, Shift(Edit{Start: 4, End: 6, Text: "y"}, 0))
}
