// Package muncher wires the components together and owns their
// lifecycle: one subscription per configured publisher, the change
// watcher, and the shared stores.
package muncher

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/atgraph/muncher/pkg/changewatcher"
	"github.com/atgraph/muncher/pkg/config"
	"github.com/atgraph/muncher/pkg/database/postgresdb"
	"github.com/atgraph/muncher/pkg/dataplane"
	"github.com/atgraph/muncher/pkg/identity"
	"github.com/atgraph/muncher/pkg/servicerecord"
	"github.com/atgraph/muncher/pkg/sink"
	"github.com/atgraph/muncher/pkg/statestore"
	"github.com/atgraph/muncher/pkg/subscription"
	"github.com/atgraph/muncher/pkg/validator"
)

var log = logging.Logger("muncher")

const statusInterval = time.Minute

// publisher is one publisher subscription, as the orchestrator sees it.
type publisher interface {
	DID() string
	Connected() bool
	Run(ctx context.Context)
}

// task is a long-running background task.
type task interface {
	Run(ctx context.Context)
}

// Muncher is the multi-publisher label ingestion engine.
type Muncher struct {
	store   *statestore.Store
	labels  *sink.Sink
	pubs    []publisher
	watcher task

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Muncher from configuration. It opens the state store and
// the downstream label store; Stop releases both.
func New(cfg config.Config) (*Muncher, error) {
	store, err := statestore.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	db, err := postgresdb.New(cfg.DatabaseURL, cfg.DatabaseSchema)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting to label store: %w", err)
	}
	labels := sink.New(db)

	web, err := identity.NewWebResolver()
	if err != nil {
		store.Close()
		labels.Close()
		return nil, err
	}
	resolver := identity.NewCachedResolver(
		identity.NewCompositeResolver(identity.NewDirectoryResolver(cfg.PLCDirectoryURL), web),
		identity.DefaultCacheTTL,
	)
	records := servicerecord.NewFetcher(resolver, store)
	v := validator.New(store, resolver, records)

	var subOpts []subscription.Option
	if cfg.ModServiceDID != "" {
		client, err := dataplane.NewClient(cfg.DataplaneHosts(), cfg.DataplaneHTTPVersion)
		if err != nil {
			store.Close()
			labels.Close()
			return nil, fmt.Errorf("building dataplane client: %w", err)
		}
		subOpts = append(subOpts, subscription.WithTakedowns(dataplane.NewDispatcher(client, cfg.ModServiceDID)))
		log.Infow("takedown propagation enabled", "modServiceDid", cfg.ModServiceDID)
	}

	dids := cfg.DIDs()
	pubs := make([]publisher, 0, len(dids))
	for _, did := range dids {
		pubs = append(pubs, subscription.New(did, v, store, labels, subOpts...))
	}

	return &Muncher{
		store:   store,
		labels:  labels,
		pubs:    pubs,
		watcher: changewatcher.New(cfg.ChangeFeedURL, dids, store),
	}, nil
}

// Start begins ingestion. Publishers are subscribed sequentially so the
// bootstrap log reads in configuration order; each subscription then
// runs concurrently. Starting twice is an error.
func (m *Muncher) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("muncher already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)

	if err := m.labels.Migrate(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watcher.Run(ctx)
	}()

	for _, pub := range m.pubs {
		log.Infow("subscribing to labeler", "did", pub.DID())
		m.wg.Add(1)
		go func(p publisher) {
			defer m.wg.Done()
			p.Run(ctx)
		}(pub)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.statusLoop(ctx)
	}()

	log.Infow("muncher started", "publishers", len(m.pubs))
	return nil
}

// Status returns a snapshot of each publisher's connected flag.
func (m *Muncher) Status() map[string]bool {
	out := make(map[string]bool, len(m.pubs))
	for _, pub := range m.pubs {
		out[pub.DID()] = pub.Connected()
	}
	return out
}

func (m *Muncher) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := 0
			for _, up := range m.Status() {
				if up {
					connected++
				}
			}
			log.Infow("subscription status", "connected", connected, "total", len(m.pubs))
		}
	}
}

// Stop shuts everything down: cancels all tasks, waits for them (bounded
// by ctx), and closes the stores. Individual close errors are aggregated
// rather than masking each other.
func (m *Muncher) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("shutdown timed out: %w", ctx.Err()))
	}

	err = multierr.Append(err, m.labels.Close())
	err = multierr.Append(err, m.store.Close())
	log.Info("muncher stopped")
	return err
}
