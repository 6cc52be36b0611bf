package muncher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atgraph/muncher/pkg/sink"
	"github.com/atgraph/muncher/pkg/statestore"
)

type fakePublisher struct {
	did     string
	up      atomic.Bool
	started atomic.Bool
}

func (f *fakePublisher) DID() string {
	return f.did
}

func (f *fakePublisher) Connected() bool {
	return f.up.Load()
}

func (f *fakePublisher) Run(ctx context.Context) {
	f.started.Store(true)
	f.up.Store(true)
	<-ctx.Done()
	f.up.Store(false)
}

type fakeTask struct {
	started atomic.Bool
}

func (f *fakeTask) Run(ctx context.Context) {
	f.started.Store(true)
	<-ctx.Done()
}

func setupTestMuncher(t *testing.T, pubs ...publisher) (*Muncher, sqlmock.Sqlmock) {
	t.Helper()
	store, err := statestore.OpenMemory()
	require.NoError(t, err)

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mock.ExpectationsWereMet()) })

	return &Muncher{
		store:   store,
		labels:  sink.New(db),
		pubs:    pubs,
		watcher: &fakeTask{},
	}, mock
}

func TestStartAndStop(t *testing.T) {
	a := &fakePublisher{did: "did:plc:a"}
	b := &fakePublisher{did: "did:plc:b"}
	m, mock := setupTestMuncher(t, a, b)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS label").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	require.NoError(t, m.Start(context.Background()))
	watcher := m.watcher.(*fakeTask)
	require.Eventually(t, func() bool {
		return a.started.Load() && b.started.Load() && watcher.started.Load()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, map[string]bool{"did:plc:a": true, "did:plc:b": true}, m.Status())

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, a.Connected())
	assert.False(t, b.Connected())

	// Stop is idempotent.
	require.NoError(t, m.Stop(context.Background()))
}

func TestStartTwice(t *testing.T) {
	m, mock := setupTestMuncher(t, &fakePublisher{did: "did:plc:a"})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS label").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	require.NoError(t, m.Start(context.Background()))
	require.ErrorContains(t, m.Start(context.Background()), "already started")
	require.NoError(t, m.Stop(context.Background()))
}

func TestStartMigrationFailure(t *testing.T) {
	m, mock := setupTestMuncher(t, &fakePublisher{did: "did:plc:a"})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS label").WillReturnError(assert.AnError)
	mock.ExpectClose()

	require.Error(t, m.Start(context.Background()))

	// Nothing was spawned; Stop after a failed start still releases the
	// stores.
	pub := m.pubs[0].(*fakePublisher)
	assert.False(t, pub.started.Load())
	require.NoError(t, m.Stop(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	m, mock := setupTestMuncher(t)
	mock.ExpectClose()
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.store.Close())
	require.NoError(t, m.labels.Close())
}
