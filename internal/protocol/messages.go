// Package protocol defines the JSON messages exchanged between the hub and
// its collaborators. Every message is an object whose "type" field selects
// the shape of the rest.
package protocol

import (
	"errors"
	"fmt"

	"collabtext/internal/delta"
	"collabtext/internal/lock"
)

var (
	// ErrMalformed is returned for payloads that cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownType is returned for well-formed payloads with a type this
	// package does not know.
	ErrUnknownType = errors.New("unknown message type")
)

// Type is the message discriminator.
type Type string

const (
	TypeInit            Type = "init"
	TypeSync            Type = "sync"
	TypeAdd             Type = Type(delta.KindAdd)
	TypeDelete          Type = Type(delta.KindDelete)
	TypeEdit            Type = Type(delta.KindEdit)
	TypeUserList        Type = "userList"
	TypeLineOwnership   Type = "lineOwnership"
	TypeRequestLineLock Type = "requestLineLock"
	TypeReleaseLineLock Type = "releaseLineLock"
	TypeLineLockGranted Type = "lineLockGranted"
	TypeLineLockDenied  Type = "lineLockDenied"
	TypeEditDenied      Type = "editDenied"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
}

// OperationMessage is an add, delete or edit message.
type OperationMessage interface {
	Message
	Operation() delta.Operation
	// DocVersion is the document version the hub assigned, 0 when unset.
	DocVersion() uint64
}

// header is decoded first to pick the concrete message type.
type header struct {
	Type Type `json:"type"`
}

// Init carries the full authoritative document.
type Init struct {
	Type    Type   `json:"type"`
	Text    string `json:"text"`
	Version uint64 `json:"version"`
}

// Sync asks the hub for an Init.
type Sync struct {
	Type Type `json:"type"`
}

type Add struct {
	Type     Type   `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text"`
	Version  uint64 `json:"version,omitempty"`
}

type Delete struct {
	Type    Type   `json:"type"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Version uint64 `json:"version,omitempty"`
}

type Edit struct {
	Type    Type   `json:"type"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Text    string `json:"text"`
	Version uint64 `json:"version,omitempty"`
}

// UserList replaces the receiver's presence set.
type UserList struct {
	Type  Type            `json:"type"`
	Users []lock.Identity `json:"users"`
}

// LineOwnership replaces the receiver's cached ownership map.
type LineOwnership struct {
	Type      Type           `json:"type"`
	Ownership lock.Ownership `json:"ownership"`
}

type RequestLineLock struct {
	Type Type `json:"type"`
	Line int  `json:"line"`
}

type ReleaseLineLock struct {
	Type Type `json:"type"`
}

type LineLockGranted struct {
	Type Type `json:"type"`
	Line int  `json:"line"`
}

type LineLockDenied struct {
	Type  Type          `json:"type"`
	Line  int           `json:"line"`
	Owner lock.Identity `json:"owner"`
}

type EditDenied struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
	Line   int    `json:"line"`
}

func (Init) MessageType() Type            { return TypeInit }
func (Sync) MessageType() Type            { return TypeSync }
func (Add) MessageType() Type             { return TypeAdd }
func (Delete) MessageType() Type          { return TypeDelete }
func (Edit) MessageType() Type            { return TypeEdit }
func (UserList) MessageType() Type        { return TypeUserList }
func (LineOwnership) MessageType() Type   { return TypeLineOwnership }
func (RequestLineLock) MessageType() Type { return TypeRequestLineLock }
func (ReleaseLineLock) MessageType() Type { return TypeReleaseLineLock }
func (LineLockGranted) MessageType() Type { return TypeLineLockGranted }
func (LineLockDenied) MessageType() Type  { return TypeLineLockDenied }
func (EditDenied) MessageType() Type      { return TypeEditDenied }

func (m Add) Operation() delta.Operation {
	return delta.Add{Position: m.Position, Text: m.Text}
}

func (m Delete) Operation() delta.Operation {
	return delta.Delete{Start: m.Start, End: m.End}
}

func (m Edit) Operation() delta.Operation {
	return delta.Edit{Start: m.Start, End: m.End, Text: m.Text}
}

func (m Add) DocVersion() uint64    { return m.Version }
func (m Delete) DocVersion() uint64 { return m.Version }
func (m Edit) DocVersion() uint64   { return m.Version }

func NewInit(text string, version uint64) Init {
	return Init{Type: TypeInit, Text: text, Version: version}
}

func NewSync() Sync { return Sync{Type: TypeSync} }

// NewOperation wraps op in its wire message, stamped with version.
func NewOperation(op delta.Operation, version uint64) OperationMessage {
	switch op := op.(type) {
	case delta.Add:
		return Add{Type: TypeAdd, Position: op.Position, Text: op.Text, Version: version}
	case delta.Delete:
		return Delete{Type: TypeDelete, Start: op.Start, End: op.End, Version: version}
	case delta.Edit:
		return Edit{Type: TypeEdit, Start: op.Start, End: op.End, Text: op.Text, Version: version}
	}
	panic(fmt.Sprintf("protocol: unexpected operation %T", op))
}

func NewUserList(users []lock.Identity) UserList {
	if users == nil {
		users = []lock.Identity{}
	}
	return UserList{Type: TypeUserList, Users: users}
}

func NewLineOwnership(o lock.Ownership) LineOwnership {
	if o == nil {
		o = lock.Ownership{}
	}
	return LineOwnership{Type: TypeLineOwnership, Ownership: o}
}

func NewRequestLineLock(line int) RequestLineLock {
	return RequestLineLock{Type: TypeRequestLineLock, Line: line}
}

func NewReleaseLineLock() ReleaseLineLock {
	return ReleaseLineLock{Type: TypeReleaseLineLock}
}

func NewLineLockGranted(line int) LineLockGranted {
	return LineLockGranted{Type: TypeLineLockGranted, Line: line}
}

func NewLineLockDenied(line int, owner lock.Identity) LineLockDenied {
	return LineLockDenied{Type: TypeLineLockDenied, Line: line, Owner: owner}
}

func NewEditDenied(reason string, line int) EditDenied {
	return EditDenied{Type: TypeEditDenied, Reason: reason, Line: line}
}
