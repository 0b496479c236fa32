// Package replica is the client side of the sync protocol. A Replica holds a
// local copy of the shared document, turns local text changes into debounced
// operations, applies remote operations while keeping the caret in place and
// keeps a line lock on the line under the caret.
package replica

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"collabtext/internal/delta"
	"collabtext/internal/lock"
	"collabtext/internal/protocol"
)

// DefaultDebounce is how long local edits are batched before one operation is
// sent.
const DefaultDebounce = 175 * time.Millisecond

// ErrDetached is returned by Flush when no transport is attached.
var ErrDetached = errors.New("replica is not attached")

// Sender writes one encoded message to the server.
type Sender interface {
	Send(msg []byte) error
}

// Options configure a Replica.
type Options struct {
	Identity lock.Identity
	Debounce time.Duration
	// OnChange is called with the new local text and caret after a remote
	// change. Calls to SetText made from inside OnChange are ignored.
	OnChange func(text string, caret int)
	Log      logr.Logger
}

// Replica is one collaborator's copy of the document.
type Replica struct {
	identity lock.Identity
	debounce time.Duration
	onChange func(string, int)
	log      logr.Logger

	// applyingRemote is set while OnChange runs.
	applyingRemote atomic.Bool

	mu     sync.Mutex
	out    Sender
	timer  *time.Timer
	closed bool

	text   string // local view, including edits not yet sent
	synced string // last text known to match the server
	caret  int

	version uint64
	// unseen counts operations sent since version that the server does
	// not echo back. Each accepted one consumes a version number.
	unseen uint64
	// resyncing is set from a sync request until the init answering it.
	// Operations arriving in between are dropped.
	resyncing bool

	users     []lock.Identity
	ownership lock.Ownership
	held      int
	pending   int
	denied    *protocol.LineLockDenied
}

// New returns a detached replica with an empty document.
func New(opts Options) *Replica {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Replica{
		identity:  opts.Identity,
		debounce:  opts.Debounce,
		onChange:  opts.OnChange,
		log:       opts.Log.WithName("replica").WithValues("user", opts.Identity),
		ownership: lock.Ownership{},
		held:      -1,
		pending:   -1,
	}
}

// Attach starts using s and asks the server for the full document. Locks do
// not survive a reconnect, so the held line is forgotten.
func (r *Replica) Attach(s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = s
	r.held, r.pending = -1, -1
	return r.resyncLocked()
}

// Detach stops sending. Unsent local edits stay pending until the next
// Attach, where the server's init replaces them.
func (r *Replica) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = nil
	if r.timer != nil {
		r.timer.Stop()
	}
}

// Close stops the debounce timer. The replica must not be used afterwards.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.out = nil
	if r.timer != nil {
		r.timer.Stop()
	}
}

// SetText records a local edit. The change is sent once no further edit has
// arrived for the debounce window. The caret's line is locked right away.
func (r *Replica) SetText(text string, caret int) {
	if r.applyingRemote.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.text = text
	r.caret = clamp(caret, delta.Len(text))
	if r.timer == nil {
		r.timer = time.AfterFunc(r.debounce, r.flushTimer)
	} else {
		r.timer.Reset(r.debounce)
	}
	r.followCaretLocked()
}

// MoveCaret records a caret move without an edit.
func (r *Replica) MoveCaret(caret int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.caret = clamp(caret, delta.Len(r.text))
	r.followCaretLocked()
}

// Flush sends the pending local change now.
func (r *Replica) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	return r.flushLocked()
}

func (r *Replica) flushTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil && !errors.Is(err, ErrDetached) {
		r.log.Error(err, "sending local change")
	}
}

func (r *Replica) flushLocked() error {
	if r.closed {
		return nil
	}
	if r.out == nil {
		return ErrDetached
	}
	op := delta.Compute(r.synced, r.text)
	if delta.IsNoop(op) {
		return nil
	}
	if err := r.sendLocked(protocol.NewOperation(op, 0)); err != nil {
		return err
	}
	r.synced = r.text
	r.unseen++
	r.log.V(1).Info("sent local change", "op", op)
	return nil
}

// Handle applies one message received from the server.
func (r *Replica) Handle(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	changed := false
	switch m := msg.(type) {
	case protocol.Init:
		r.text, r.synced = m.Text, m.Text
		r.version, r.unseen = m.Version, 0
		r.resyncing = false
		r.caret = clamp(r.caret, delta.Len(m.Text))
		changed = true
	case protocol.OperationMessage:
		changed, err = r.applyRemoteLocked(m)
	case protocol.UserList:
		r.users = m.Users
	case protocol.LineOwnership:
		r.ownership = m.Ownership
		r.reconcileLocked()
	case protocol.LineLockGranted:
		r.held = m.Line
		if r.pending == m.Line {
			r.pending = -1
		}
		r.denied = nil
	case protocol.LineLockDenied:
		if r.pending == m.Line {
			r.pending = -1
		}
		r.denied = &m
		r.log.Info("line lock denied", "line", m.Line, "owner", m.Owner)
	case protocol.EditDenied:
		r.log.Info("edit denied", "line", m.Line, "reason", m.Reason)
		err = r.resyncLocked()
	default:
		r.log.V(1).Info("ignoring message", "type", msg.MessageType())
	}
	text, caret := r.text, r.caret
	r.mu.Unlock()

	if changed && r.onChange != nil {
		r.applyingRemote.Store(true)
		r.onChange(text, caret)
		r.applyingRemote.Store(false)
	}
	return err
}

// applyRemoteLocked applies a broadcast operation to the synced text and
// carries it over the local change that has not been sent yet. When the two
// touch the same range the local change is dropped.
//
// Every version between ours and the operation's must belong to one of our
// own sent operations. Fewer means the operation was sequenced before some
// of them and its positions do not hold in the synced text, so the replica
// resyncs.
func (r *Replica) applyRemoteLocked(m protocol.OperationMessage) (bool, error) {
	if r.resyncing {
		return false, nil
	}
	if v := m.DocVersion(); v != 0 {
		if v <= r.version {
			return false, nil
		}
		missed := v - r.version - 1
		if missed != r.unseen {
			r.log.Info("operation out of order, resyncing", "have", r.version, "got", v, "unseen", r.unseen)
			return false, r.resyncLocked()
		}
		r.unseen = 0
		r.version = v
	}

	op := m.Operation()
	synced, err := delta.Apply(r.synced, op)
	if err != nil {
		r.log.Info("remote operation does not fit, resyncing", "op", op, "error", err.Error())
		return false, r.resyncLocked()
	}

	local := delta.Compute(r.synced, r.text)
	r.synced = synced
	if delta.IsNoop(local) {
		r.text = synced
		r.caret = delta.TransformOffset(r.caret, op)
		return true, nil
	}

	start, end := op.Span()
	ls, le := local.Span()
	var carried delta.Operation
	switch {
	case end < ls:
		carried = op
	case start > le:
		carried = delta.Shift(op, delta.Len(local.Inserted())-(le-ls))
	default:
		r.log.Info("remote change overlaps local change, dropping local change", "remote", op, "local", local)
		r.text = synced
		r.caret = delta.TransformOffset(r.caret, op)
		return true, nil
	}

	text, err := delta.Apply(r.text, carried)
	if err != nil {
		return false, fmt.Errorf("carry %v over local change: %w", op, err)
	}
	r.text = text
	r.caret = delta.TransformOffset(r.caret, carried)
	return true, nil
}

// followCaretLocked releases the held lock and requests the caret's line when
// the caret has moved to another line.
func (r *Replica) followCaretLocked() {
	line := lock.LineAt(r.text, r.caret)
	if r.out == nil || line == r.held || line == r.pending {
		return
	}
	if r.held >= 0 {
		if err := r.sendLocked(protocol.NewReleaseLineLock()); err != nil {
			r.log.Error(err, "releasing line lock")
			return
		}
		r.held = -1
	}
	if err := r.sendLocked(protocol.NewRequestLineLock(line)); err != nil {
		r.log.Error(err, "requesting line lock", "line", line)
		return
	}
	r.pending = line
}

// reconcileLocked moves the held line to wherever the server says our lock
// now is. Inserted or removed lines shift locks without a new grant.
func (r *Replica) reconcileLocked() {
	r.held = -1
	for line, who := range r.ownership {
		if who == r.identity {
			r.held = line
			break
		}
	}
}

func (r *Replica) resyncLocked() error {
	if err := r.sendLocked(protocol.NewSync()); err != nil {
		return err
	}
	r.resyncing = true
	return nil
}

func (r *Replica) sendLocked(m protocol.Message) error {
	if r.out == nil {
		return ErrDetached
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return r.out.Send(data)
}

// Text returns the local text.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// Caret returns the local caret offset.
func (r *Replica) Caret() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caret
}

// Version returns the last document version seen from the server.
func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Users returns the connected identities last announced by the server.
func (r *Replica) Users() []lock.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.users)
}

// Ownership returns the line ownership map last announced by the server.
func (r *Replica) Ownership() lock.Ownership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.ownership)
}

// HeldLine returns the line this replica holds, or -1.
func (r *Replica) HeldLine() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// LastDenial returns the most recent refused lock request that has not been
// superseded by a grant.
func (r *Replica) LastDenial() (protocol.LineLockDenied, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied == nil {
		return protocol.LineLockDenied{}, false
	}
	return *r.denied, true
}

func clamp(v, hi int) int {
	return max(0, min(v, hi))
}
