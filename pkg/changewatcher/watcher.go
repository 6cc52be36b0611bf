// Package changewatcher follows the network's filtered change feed and
// force-expires the service-record cache for publishers whose labeler
// service record changed, so the next validation refetches it.
package changewatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/atgraph/muncher/pkg/servicerecord"
)

var log = logging.Logger("changewatcher")

// DefaultEndpoint is the network's primary firehose-backed change feed.
const DefaultEndpoint = "wss://jetstream1.us-east.bsky.network/subscribe"

// ServiceInvalidator force-expires one publisher's service cache entry.
type ServiceInvalidator interface {
	InvalidateService(ctx context.Context, did string) error
}

// event is the change feed's JSON envelope, reduced to what the watcher
// inspects.
type event struct {
	DID    string  `json:"did"`
	Kind   string  `json:"kind"`
	Commit *commit `json:"commit,omitempty"`
}

type commit struct {
	Operation  string `json:"operation"`
	Collection string `json:"collection"`
}

// Watcher consumes the change feed for the configured publisher DIDs. It
// runs beside the publisher connections and never blocks them.
type Watcher struct {
	endpoint string
	dids     map[string]struct{}
	store    ServiceInvalidator
	dialer   *websocket.Dialer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(w *Watcher) {
		w.dialer = d
	}
}

// New creates a Watcher over the given feed endpoint for the given
// publisher DIDs. An empty endpoint uses the default feed.
func New(endpoint string, dids []string, store ServiceInvalidator, opts ...Option) *Watcher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	set := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		set[did] = struct{}{}
	}
	w := &Watcher{
		endpoint: endpoint,
		dids:     set,
		store:    store,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) subscribeURL() (string, error) {
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing change feed endpoint: %w", err)
	}
	q := u.Query()
	q.Set("wantedCollections", servicerecord.RecordCollection)
	for did := range w.dids {
		q.Add("wantedDids", did)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run consumes the feed until ctx is canceled, reconnecting with
// exponential backoff. Unlike a publisher connection the watcher has no
// retry budget: losing it silently would leave stale declared values in
// place for up to a day.
func (w *Watcher) Run(ctx context.Context) {
	u, err := w.subscribeURL()
	if err != nil {
		log.Errorw("change watcher disabled", "error", err)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		if ctx.Err() != nil {
			return
		}
		conn, resp, err := w.dialer.DialContext(ctx, u, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnw("failed to connect to change feed", "url", u, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		log.Infow("watching change feed", "endpoint", w.endpoint, "dids", len(w.dids))
		bo.Reset()
		readErr := w.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warnw("change feed interrupted", "error", readErr)
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debugw("skipping unparseable change event", "error", err)
			continue
		}
		w.handle(ctx, &ev)
	}
}

func (w *Watcher) handle(ctx context.Context, ev *event) {
	if ev.Kind != "commit" || ev.Commit == nil {
		return
	}
	if ev.Commit.Operation != "create" && ev.Commit.Operation != "update" {
		return
	}
	// The feed is filtered server-side; drop anything else that slips
	// through.
	if ev.Commit.Collection != "" && ev.Commit.Collection != servicerecord.RecordCollection {
		return
	}
	if _, ok := w.dids[ev.DID]; !ok {
		return
	}
	log.Infow("labeler service record changed", "did", ev.DID, "operation", ev.Commit.Operation)
	if err := w.store.InvalidateService(ctx, ev.DID); err != nil {
		log.Errorw("failed to invalidate service cache", "did", ev.DID, "error", err)
	}
}
