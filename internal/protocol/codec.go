package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return buf, nil
}

// MustEncode is Encode for messages built by this package, which always
// marshal.
func MustEncode(m Message) []byte {
	buf, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return buf
}

// Decode parses a message in either direction. Payloads that are not JSON
// objects or lack a required field fail with ErrMalformed; unrecognized
// types fail with ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch h.Type {
	case TypeInit:
		var m struct {
			Text    *string `json:"text"`
			Version uint64  `json:"version"`
		}
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Text == nil {
			return nil, missing(h.Type, "text")
		}
		return NewInit(*m.Text, m.Version), nil
	case TypeSync:
		return NewSync(), nil
	case TypeAdd:
		var m struct {
			Position *int    `json:"position"`
			Text     *string `json:"text"`
			Version  uint64  `json:"version"`
		}
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Position == nil || m.Text == nil {
			return nil, missing(h.Type, "position, text")
		}
		return Add{Type: TypeAdd, Position: *m.Position, Text: *m.Text, Version: m.Version}, nil
	case TypeDelete:
		var m struct {
			Start   *int   `json:"start"`
			End     *int   `json:"end"`
			Version uint64 `json:"version"`
		}
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Start == nil || m.End == nil {
			return nil, missing(h.Type, "start, end")
		}
		return Delete{Type: TypeDelete, Start: *m.Start, End: *m.End, Version: m.Version}, nil
	case TypeEdit:
		var m struct {
			Start   *int    `json:"start"`
			End     *int    `json:"end"`
			Text    *string `json:"text"`
			Version uint64  `json:"version"`
		}
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Start == nil || m.End == nil || m.Text == nil {
			return nil, missing(h.Type, "start, end, text")
		}
		return Edit{Type: TypeEdit, Start: *m.Start, End: *m.End, Text: *m.Text, Version: m.Version}, nil
	case TypeUserList:
		var m UserList
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return NewUserList(m.Users), nil
	case TypeLineOwnership:
		var m LineOwnership
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return NewLineOwnership(m.Ownership), nil
	case TypeRequestLineLock:
		var m struct {
			Line *int `json:"line"`
		}
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Line == nil {
			return nil, missing(h.Type, "line")
		}
		return NewRequestLineLock(*m.Line), nil
	case TypeReleaseLineLock:
		return NewReleaseLineLock(), nil
	case TypeLineLockGranted:
		var m LineLockGranted
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return NewLineLockGranted(m.Line), nil
	case TypeLineLockDenied:
		var m LineLockDenied
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return NewLineLockDenied(m.Line, m.Owner), nil
	case TypeEditDenied:
		var m EditDenied
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return NewEditDenied(m.Reason, m.Line), nil
	case "":
		return nil, fmt.Errorf("%w: no type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}

func decodeBody(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func missing(t Type, fields string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformed, t, fields)
}
