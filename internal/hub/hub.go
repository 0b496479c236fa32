// Package hub is the single arbitration point for the shared document. It
// owns the authoritative text, the line locks and the presence set, and
// processes every connect, disconnect and inbound message one at a time on
// its own goroutine.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"collabtext/internal/delta"
	"collabtext/internal/lock"
	"collabtext/internal/protocol"
	"collabtext/internal/relay"
	"collabtext/internal/session"
)

// ErrClosed is returned by calls made after Run has returned.
var ErrClosed = errors.New("hub is closed")

type Options struct {
	// InitialText seeds the document.
	InitialText string
	// SendBuffer is the number of outbound messages queued per client before
	// the client is considered too slow and dropped.
	SendBuffer int
	Relay      relay.Publisher
}

type registration struct {
	client *Client
	result chan error
}

type inbound struct {
	client *Client
	data   []byte
}

// Hub maintains the document and the set of active clients and broadcasts
// changes to them.
type Hub struct {
	log      logr.Logger
	opts     Options
	locks    *lock.Coordinator
	sessions *session.Registry
	relay    relay.Publisher

	// Owned by the Run goroutine.
	doc     string
	version uint64

	register   chan registration
	unregister chan *Client
	inbound    chan inbound
	tasks      chan func()
	done       chan struct{}
}

func New(log logr.Logger, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Relay == nil {
		opts.Relay = relay.Discard{}
	}
	locks := lock.NewCoordinator()
	return &Hub{
		log:        log.WithName("hub"),
		opts:       opts,
		locks:      locks,
		sessions:   session.NewRegistry(locks),
		relay:      opts.Relay,
		doc:        opts.InitialText,
		register:   make(chan registration),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		tasks:      make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until ctx is done. Open clients are closed on
// return.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for _, sess := range h.sessions.Sessions() {
			h.sessions.Disconnect(sess.Identity)
			sess.Peer.Close()
		}
	}()

	h.log.Info("hub started", "length", delta.Len(h.doc))
	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub stopping", "clients", h.sessions.Len())
			return nil
		case reg := <-h.register:
			reg.result <- h.connect(reg.client)
		case c := <-h.unregister:
			h.disconnect(c)
		case in := <-h.inbound:
			h.dispatch(in.client, in.data)
		case task := <-h.tasks:
			task()
		}
	}
}

// join registers c and waits for the outcome.
func (h *Hub) join(c *Client) error {
	reg := registration{client: c, result: make(chan error, 1)}
	select {
	case h.register <- reg:
	case <-h.done:
		return ErrClosed
	}
	return <-reg.result
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) receive(c *Client, data []byte) {
	select {
	case h.inbound <- inbound{client: c, data: data}:
	case <-h.done:
	}
}

// do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case h.tasks <- task:
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) connect(c *Client) error {
	sess, err := h.sessions.Connect(c.identity, c)
	if err != nil {
		return err
	}
	c.session = sess
	c.log = c.log.WithValues("session", sess.ID.String())

	c.log.Info("client registered", "clients", h.sessions.Len())
	h.sendInit(c)
	h.send(c, protocol.NewLineOwnership(h.locks.Snapshot()))
	h.broadcastPresence()
	return nil
}

// current reports whether c is the live session for its identity. A client
// that was dropped or replaced is not.
func (h *Hub) current(c *Client) bool {
	sess, ok := h.sessions.Get(c.identity)
	return ok && sess.Peer == c
}

func (h *Hub) disconnect(c *Client) {
	if !h.current(c) {
		return
	}
	h.drop(c.session)
}

// drop removes sess, closes its peer and tells everyone else.
func (h *Hub) drop(sess *session.Session) {
	if cur, ok := h.sessions.Get(sess.Identity); !ok || cur != sess {
		return
	}
	released := h.sessions.Disconnect(sess.Identity)
	sess.Peer.Close()

	h.log.Info("client unregistered",
		"user", string(sess.Identity),
		"session", sess.ID.String(),
		"connectedFor", time.Since(sess.ConnectedAt).Round(time.Millisecond).String(),
		"clients", h.sessions.Len(),
		"releasedLock", released)
	h.broadcastPresence()
	if released {
		h.broadcastOwnership()
	}
}

func (h *Hub) dispatch(c *Client, data []byte) {
	if !h.current(c) {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			c.log.V(1).Info("ignoring message", "reason", err.Error())
		} else {
			c.log.Error(err, "dropping malformed message")
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Sync:
		h.sendInit(c)
	case protocol.OperationMessage:
		h.applyOperation(c, m.Operation())
	case protocol.RequestLineLock:
		h.requestLock(c, m.Line)
	case protocol.ReleaseLineLock:
		h.releaseLock(c)
	default:
		c.log.V(1).Info("ignoring server-bound message type", "type", msg.MessageType())
	}
}

func (h *Hub) applyOperation(c *Client, op delta.Operation) {
	if delta.IsNoop(op) {
		return
	}
	// An operation that does not fit is a stale client, not a lock conflict.
	next, err := delta.Apply(h.doc, op)
	if err != nil {
		c.log.Info("operation does not fit document, resyncing client", "op", op, "error", err.Error())
		h.sendInit(c)
		return
	}
	if err := h.locks.ValidateEdit(c.identity, h.doc, op); err != nil {
		var denied *lock.EditDeniedError
		if errors.As(err, &denied) {
			c.log.V(1).Info("edit denied", "op", op, "line", denied.Line, "owner", denied.Owner)
			h.send(c, protocol.NewEditDenied(denied.Reason(), denied.Line))
			return
		}
		c.log.Error(err, "validating edit", "op", op)
		return
	}

	prev := h.doc
	h.doc = next
	h.version++
	rebased := h.locks.Rebase(prev, op)

	msg := protocol.MustEncode(protocol.NewOperation(op, h.version))
	h.broadcast(msg, c)
	h.relay.Publish(relay.Event{
		Kind:    relay.KindOperation,
		User:    string(c.identity),
		Version: h.version,
		Payload: msg,
	})
	if rebased {
		h.broadcastOwnership()
	}
}

func (h *Hub) requestLock(c *Client, line int) {
	res, err := h.locks.RequestLock(c.identity, line)
	if err != nil {
		c.log.Info("rejecting lock request", "line", line, "error", err.Error())
		h.send(c, protocol.NewLineLockDenied(line, ""))
		return
	}
	if !res.Granted {
		c.log.V(1).Info("line lock denied", "line", line, "owner", res.Owner)
		h.send(c, protocol.NewLineLockDenied(line, res.Owner))
		return
	}
	h.send(c, protocol.NewLineLockGranted(line))
	if res.Changed {
		h.broadcastOwnership()
	}
}

func (h *Hub) releaseLock(c *Client) {
	if h.locks.ReleaseLock(c.identity) {
		h.broadcastOwnership()
	}
}

func (h *Hub) sendInit(c *Client) {
	h.send(c, protocol.NewInit(h.doc, h.version))
}

// send queues m for c. A client that cannot take it is disconnected.
func (h *Hub) send(c *Client, m protocol.Message) {
	if !h.current(c) {
		return
	}
	if c.Deliver(protocol.MustEncode(m)) {
		return
	}
	c.log.Info("send buffer full, dropping client")
	h.drop(c.session)
}

// broadcast queues msg for every session except skip's.
func (h *Hub) broadcast(msg []byte, skip *Client) {
	var slow []*session.Session
	for _, sess := range h.sessions.Sessions() {
		if skip != nil && sess.Peer == skip {
			continue
		}
		if !sess.Peer.Deliver(msg) {
			slow = append(slow, sess)
		}
	}
	for _, sess := range slow {
		h.log.Info("send buffer full, dropping client", "user", string(sess.Identity))
		h.drop(sess)
	}
}

func (h *Hub) broadcastPresence() {
	m := protocol.NewUserList(h.sessions.Identities())
	msg := protocol.MustEncode(m)
	h.broadcast(msg, nil)
	h.relay.Publish(relay.Event{Kind: relay.KindPresence, Version: h.version, Payload: msg})
}

func (h *Hub) broadcastOwnership() {
	msg := protocol.MustEncode(protocol.NewLineOwnership(h.locks.Snapshot()))
	h.broadcast(msg, nil)
	h.relay.Publish(relay.Event{Kind: relay.KindOwnership, Version: h.version, Payload: msg})
}

// Load replaces the document, drops every line lock and pushes the new text
// to all clients.
func (h *Hub) Load(ctx context.Context, text string) error {
	return h.do(ctx, func() {
		h.doc = text
		h.version++
		h.locks.Reset()
		h.log.Info("document replaced", "length", delta.Len(text), "version", h.version)

		h.broadcast(protocol.MustEncode(protocol.NewInit(h.doc, h.version)), nil)
		h.broadcastOwnership()
		payload, _ := json.Marshal(map[string]int{"length": delta.Len(text)})
		h.relay.Publish(relay.Event{Kind: relay.KindLoad, Version: h.version, Payload: payload})
	})
}

// Snapshot returns the document and its version.
func (h *Hub) Snapshot(ctx context.Context) (string, uint64, error) {
	var (
		text    string
		version uint64
	)
	err := h.do(ctx, func() {
		text, version = h.doc, h.version
	})
	return text, version, err
}

// State is a consistent view of the hub used for inspection.
type State struct {
	Text      string
	Version   uint64
	Users     []lock.Identity
	Ownership lock.Ownership
}

func (h *Hub) State(ctx context.Context) (State, error) {
	var st State
	err := h.do(ctx, func() {
		st = State{
			Text:      h.doc,
			Version:   h.version,
			Users:     h.sessions.Identities(),
			Ownership: h.locks.Snapshot(),
		}
	})
	return st, err
}
