package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/delta"
	"collabtext/internal/hub"
	"collabtext/internal/lock"
	"collabtext/internal/replica"
)

const writeWait = 10 * time.Second

type agent struct {
	cfg     config.Agent
	log     logr.Logger
	replica *replica.Replica
	mirror  *mirror
	inbound chan []byte
}

func newAgent(cfg config.Agent, log logr.Logger) *agent {
	a := &agent{
		cfg:     cfg,
		log:     log.WithValues("server", cfg.Server, "file", cfg.File),
		mirror:  &mirror{path: cfg.File},
		inbound: make(chan []byte, 64),
	}
	a.replica = replica.New(replica.Options{
		Identity: lock.Identity(cfg.User),
		Debounce: cfg.Debounce,
		OnChange: a.remoteChange,
		Log:      log,
	})
	return a
}

// run connects and mirrors until ctx is done. Server messages and file polls
// are handled on one goroutine so a remote change and a local edit never
// interleave.
func (a *agent) run(ctx context.Context) error {
	defer a.replica.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.connectLoop(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case data := <-a.inbound:
				if err := a.replica.Handle(data); err != nil {
					a.log.Error(err, "handling server message")
				}
			case <-ticker.C:
				a.poll()
			}
		}
	})
	return g.Wait()
}

// connectLoop keeps one connection open, reconnecting with exponential
// backoff.
func (a *agent) connectLoop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := a.session(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		a.log.Info("connection lost, retrying", "error", err.Error(), "in", next)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection until it fails or ctx is done.
func (a *agent) session(ctx context.Context, b backoff.BackOff) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     a.cfg.Server,
		Path:     "/ws",
		RawQuery: url.Values{hub.IdentityParam: {a.cfg.User}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	// A failed sync request surfaces again as a read error below.
	if err := a.replica.Attach(&wsSender{conn: conn}); err != nil {
		a.log.Error(err, "requesting document")
	}
	defer a.replica.Detach()
	b.Reset()
	a.log.Info("connected", "user", a.cfg.User)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return backoff.Permanent(fmt.Errorf("server refused identity %q: %s", a.cfg.User, ce.Text))
			}
			return err
		}
		select {
		case a.inbound <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// remoteChange writes the document to the file after a server change.
func (a *agent) remoteChange(text string, _ int) {
	if err := a.mirror.write(text); err != nil {
		a.log.Error(err, "writing local file")
	}
}

// poll picks up edits made to the file since it was last read or written.
func (a *agent) poll() {
	prev := a.mirror.last
	text, changed, err := a.mirror.read()
	if err != nil {
		a.log.Error(err, "reading local file")
		return
	}
	if !changed {
		return
	}
	op := delta.Compute(prev, text)
	start, _ := op.Span()
	a.replica.SetText(text, start+delta.Len(op.Inserted()))
}

type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// mirror is the local copy of the document. last is what the file held when
// it was last read or written; only the agent loop touches it.
type mirror struct {
	path   string
	last   string
	synced bool
}

func (m *mirror) write(text string) error {
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".collab-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return err
	}
	m.last, m.synced = text, true
	return nil
}

// read reports whether the file differs from what was last seen. Nothing is
// read before the first server document has been written, and a missing
// file is not an edit.
func (m *mirror) read() (string, bool, error) {
	if !m.synced {
		return "", false, nil
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	text := string(data)
	if text == m.last {
		return "", false, nil
	}
	m.last = text
	return text, true, nil
}
