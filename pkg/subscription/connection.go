// Package subscription maintains one long-lived label stream per
// publisher: WebSocket lifecycle, frame decoding, validation, cursor
// persistence, and bounded reconnects.
package subscription

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/atgraph/muncher/pkg/label"
	"github.com/atgraph/muncher/pkg/sink"
	"github.com/atgraph/muncher/pkg/validator"
)

var log = logging.Logger("subscription")

const (
	defaultReconnectDelay = 5 * time.Second
	defaultMaxAttempts    = 10
)

// LabelValidator gates labels and resolves subscription endpoints.
type LabelValidator interface {
	Validate(ctx context.Context, l *label.Label, expectedDID string) validator.Result
	SubscriptionEndpoint(ctx context.Context, did string) (string, error)
}

// CursorStore persists the per-publisher replay cursor.
type CursorStore interface {
	GetCursor(ctx context.Context, did string) (int64, error)
	SetCursor(ctx context.Context, did string, seq int64) error
}

// LabelSink receives validated label rows.
type LabelSink interface {
	Insert(ctx context.Context, row *sink.Row) error
}

// TakedownDispatcher propagates trusted takedown labels.
type TakedownDispatcher interface {
	Wants(l *label.Label) bool
	Dispatch(ctx context.Context, l *label.Label)
}

// Connection is one publisher's subscription. Run drives the state
// machine; everything else is a snapshot accessor.
type Connection struct {
	did       string
	validator LabelValidator
	cursors   CursorStore
	sink      LabelSink
	takedowns TakedownDispatcher
	dialer    *websocket.Dialer
	delay     time.Duration
	maxRetry  int

	mu        sync.Mutex
	connected bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connection) {
		c.dialer = d
	}
}

// WithTakedowns enables takedown dispatch for accepted labels.
func WithTakedowns(d TakedownDispatcher) Option {
	return func(c *Connection) {
		c.takedowns = d
	}
}

// WithReconnectDelay overrides the base reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Connection) {
		c.delay = d
	}
}

// WithMaxAttempts overrides the reconnect attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Connection) {
		c.maxRetry = n
	}
}

// New creates a Connection for did.
func New(did string, v LabelValidator, cursors CursorStore, s LabelSink, opts ...Option) *Connection {
	c := &Connection{
		did:       did,
		validator: v,
		cursors:   cursors,
		sink:      s,
		dialer:    websocket.DefaultDialer,
		delay:     defaultReconnectDelay,
		maxRetry:  defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DID returns the publisher this connection subscribes to.
func (c *Connection) DID() string {
	return c.did
}

// Connected reports whether the stream is currently open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connection) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run subscribes and processes frames until ctx is canceled or the
// reconnect budget is exhausted. It never returns an error: a dead
// publisher must not take the rest of the process with it.
func (c *Connection) Run(ctx context.Context) {
	endpoint, err := c.validator.SubscriptionEndpoint(ctx, c.did)
	if err != nil {
		log.Errorw("publisher has no usable subscription endpoint", "did", c.did, "error", err)
		return
	}
	base, err := websocketURL(endpoint)
	if err != nil {
		log.Errorw("invalid subscription endpoint", "did", c.did, "endpoint", endpoint, "error", err)
		return
	}

	bo := &linearBackOff{base: c.delay, max: c.maxRetry}
	for {
		if ctx.Err() != nil {
			return
		}

		// Always resume from the latest persisted cursor, not the one
		// read at first connect.
		cursor, err := c.cursors.GetCursor(ctx, c.did)
		if err != nil {
			log.Errorw("failed to read cursor", "did", c.did, "error", err)
		}

		u := fmt.Sprintf("%s/xrpc/%s?cursor=%d", base, label.SubscribeLabelsID, cursor)
		conn, resp, err := c.dialer.DialContext(ctx, u, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnw("failed to connect", "did", c.did, "url", u, "error", err)
			if !c.sleep(ctx, bo) {
				return
			}
			continue
		}

		log.Infow("subscribed", "did", c.did, "cursor", cursor)
		c.setConnected(true)
		bo.Reset()
		readErr := c.readLoop(ctx, conn)
		c.setConnected(false)
		conn.Close()

		if ctx.Err() != nil {
			log.Infow("subscription closed", "did", c.did)
			return
		}
		log.Warnw("stream interrupted", "did", c.did, "error", readErr)
		if !c.sleep(ctx, bo) {
			return
		}
	}
}

// sleep waits out the next backoff interval. It returns false when the
// connection should stop retrying, either because the attempt budget ran
// out (Dead) or ctx was canceled (Closed).
func (c *Connection) sleep(ctx context.Context, bo *linearBackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		log.Errorw("giving up on publisher after repeated failures", "did", c.did, "attempts", c.maxRetry)
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock the pending read when ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			log.Debugw("ignoring non-binary message", "did", c.did, "type", mt)
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Connection) handleFrame(ctx context.Context, data []byte) {
	f, err := label.DecodeFrame(data)
	if err != nil {
		log.Warnw("dropping undecodable frame", "did", c.did, "error", err)
		return
	}

	switch f.Header.Op {
	case label.OpError:
		e := f.AsError()
		log.Warnw("error frame from publisher", "did", c.did, "error", e.Error, "message", e.Message)
	case label.OpMessage:
		switch f.Header.Type {
		case label.TypeLabels:
			msg, err := f.AsLabels()
			if err != nil {
				log.Warnw("dropping malformed labels frame", "did", c.did, "error", err)
				return
			}
			c.handleLabels(ctx, msg)
		case label.TypeInfo:
			msg, err := f.AsInfo()
			if err != nil {
				log.Warnw("dropping malformed info frame", "did", c.did, "error", err)
				return
			}
			log.Infow("info frame", "did", c.did, "name", msg.Name, "message", msg.Message)
		default:
			log.Warnw("skipping unrecognized frame type", "did", c.did, "$type", f.MessageType())
		}
	default:
		log.Warnw("skipping frame with unrecognized op", "did", c.did, "op", f.Header.Op)
	}
}

func (c *Connection) handleLabels(ctx context.Context, msg *label.LabelsMessage) {
	// The cursor is persisted before any label is processed. A crash
	// mid-batch then replays the whole frame on restart rather than
	// skipping the remainder.
	if err := c.cursors.SetCursor(ctx, c.did, msg.Seq); err != nil {
		log.Errorw("failed to persist cursor", "did", c.did, "seq", msg.Seq, "error", err)
	}

	for i := range msg.Labels {
		l := &msg.Labels[i]
		res := c.validator.Validate(ctx, l, c.did)
		if !res.Valid {
			log.Infow("dropping invalid label", "did", c.did, "uri", l.URI, "val", l.Val, "reason", res.Reason)
			continue
		}
		if err := c.sink.Insert(ctx, sink.RowFromLabel(l)); err != nil {
			log.Errorw("failed to insert label", "did", c.did, "uri", l.URI, "val", l.Val, "error", err)
			continue
		}
		if c.takedowns != nil && c.takedowns.Wants(l) {
			c.takedowns.Dispatch(ctx, l)
		}
	}
}

func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}
