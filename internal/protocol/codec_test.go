package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/delta"
	"collabtext/internal/lock"
)

func TestDecodeClientMessages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{name: "sync", in: `{"type":"sync"}`, want: NewSync()},
		{name: "add", in: `{"type":"add","position":3,"text":"xy"}`, want: Add{Type: TypeAdd, Position: 3, Text: "xy"}},
		{name: "add empty text", in: `{"type":"add","position":0,"text":""}`, want: Add{Type: TypeAdd, Text: ""}},
		{name: "delete", in: `{"type":"delete","start":1,"end":4}`, want: Delete{Type: TypeDelete, Start: 1, End: 4}},
		{name: "edit", in: `{"type":"edit","start":3,"end":5,"text":"p"}`, want: Edit{Type: TypeEdit, Start: 3, End: 5, Text: "p"}},
		{name: "request lock", in: `{"type":"requestLineLock","line":2}`, want: NewRequestLineLock(2)},
		{name: "release lock", in: `{"type":"releaseLineLock"}`, want: NewReleaseLineLock()},
		{name: "extra fields ignored", in: `{"type":"sync","fullText":"x"}`, want: NewSync()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeServerMessages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{name: "init", in: `{"type":"init","text":"a\nb","version":7}`, want: NewInit("a\nb", 7)},
		{name: "user list", in: `{"type":"userList","users":["a","b"]}`, want: NewUserList([]lock.Identity{"a", "b"})},
		{name: "empty user list", in: `{"type":"userList"}`, want: NewUserList(nil)},
		{name: "ownership", in: `{"type":"lineOwnership","ownership":{"0":"a","4":"b"}}`, want: NewLineOwnership(lock.Ownership{0: "a", 4: "b"})},
		{name: "granted", in: `{"type":"lineLockGranted","line":1}`, want: NewLineLockGranted(1)},
		{name: "denied", in: `{"type":"lineLockDenied","line":1,"owner":"a"}`, want: NewLineLockDenied(1, "a")},
		{name: "edit denied", in: `{"type":"editDenied","reason":"locked","line":2}`, want: NewEditDenied("locked", 2)},
		{name: "versioned add", in: `{"type":"add","position":0,"text":"x","version":3}`, want: Add{Type: TypeAdd, Text: "x", Version: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "not json", in: `hello`, want: ErrMalformed},
		{name: "array", in: `[1,2]`, want: ErrMalformed},
		{name: "no type", in: `{"text":"x"}`, want: ErrMalformed},
		{name: "add missing text", in: `{"type":"add","position":1}`, want: ErrMalformed},
		{name: "delete missing end", in: `{"type":"delete","start":1}`, want: ErrMalformed},
		{name: "edit wrong field type", in: `{"type":"edit","start":"a","end":1,"text":""}`, want: ErrMalformed},
		{name: "lock without line", in: `{"type":"requestLineLock"}`, want: ErrMalformed},
		{name: "unknown", in: `{"type":"cursor","pos":1}`, want: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEncodeUsesWireNames(t *testing.T) {
	buf, err := Encode(NewLineOwnership(lock.Ownership{2: "alice"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lineOwnership","ownership":{"2":"alice"}}`, string(buf))

	buf, err = Encode(NewOperation(delta.Delete{Start: 1, End: 2}, 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"delete","start":1,"end":2}`, string(buf))

	buf, err = Encode(NewOperation(delta.Add{Position: 0, Text: ""}, 9))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"add","position":0,"text":"","version":9}`, string(buf))

	assert.JSONEq(t, `{"type":"userList","users":[]}`, string(MustEncode(NewUserList(nil))))
}

func TestOperationMessages(t *testing.T) {
	ops := []delta.Operation{
		delta.Add{Position: 2, Text: "x"},
		delta.Delete{Start: 0, End: 3},
		delta.Edit{Start: 3, End: 5, Text: "p"},
	}
	for _, op := range ops {
		msg := NewOperation(op, 4)
		assert.Equal(t, Type(op.Kind()), msg.MessageType())
		assert.Equal(t, op, msg.Operation())
		assert.Equal(t, uint64(4), msg.DocVersion())
	}
}
