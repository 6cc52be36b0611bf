package changewatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atgraph/muncher/pkg/servicerecord"
	"github.com/atgraph/muncher/pkg/statestore"
)

type recordingInvalidator struct {
	mu   sync.Mutex
	dids []string
}

func (r *recordingInvalidator) InvalidateService(ctx context.Context, did string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dids = append(r.dids, did)
	return nil
}

func (r *recordingInvalidator) invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dids...)
}

func TestSubscribeURL(t *testing.T) {
	w := New("wss://feed.example.com/subscribe", []string{"did:plc:abc"}, &recordingInvalidator{})
	u, err := w.subscribeURL()
	require.NoError(t, err)
	assert.Contains(t, u, "wantedCollections="+servicerecord.RecordCollection)
	assert.Contains(t, u, "wantedDids=did%3Aplc%3Aabc")
}

func TestSubscribeURLDefaultEndpoint(t *testing.T) {
	w := New("", []string{"did:plc:abc"}, &recordingInvalidator{})
	u, err := w.subscribeURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, DefaultEndpoint))
}

func TestHandleFiltering(t *testing.T) {
	cases := []struct {
		name string
		ev   event
		want bool
	}{
		{
			name: "create for watched labeler",
			ev:   event{DID: "did:plc:abc", Kind: "commit", Commit: &commit{Operation: "create", Collection: servicerecord.RecordCollection}},
			want: true,
		},
		{
			name: "update for watched labeler",
			ev:   event{DID: "did:plc:abc", Kind: "commit", Commit: &commit{Operation: "update", Collection: servicerecord.RecordCollection}},
			want: true,
		},
		{
			name: "delete is ignored",
			ev:   event{DID: "did:plc:abc", Kind: "commit", Commit: &commit{Operation: "delete", Collection: servicerecord.RecordCollection}},
		},
		{
			name: "identity event is ignored",
			ev:   event{DID: "did:plc:abc", Kind: "identity"},
		},
		{
			name: "unwatched did is ignored",
			ev:   event{DID: "did:plc:stranger", Kind: "commit", Commit: &commit{Operation: "update", Collection: servicerecord.RecordCollection}},
		},
		{
			name: "foreign collection is ignored",
			ev:   event{DID: "did:plc:abc", Kind: "commit", Commit: &commit{Operation: "update", Collection: "app.bsky.feed.post"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := &recordingInvalidator{}
			w := New("wss://feed.example.com", []string{"did:plc:abc"}, inv)
			w.handle(context.Background(), &tc.ev)
			if tc.want {
				assert.Equal(t, []string{"did:plc:abc"}, inv.invalidated())
			} else {
				assert.Empty(t, inv.invalidated())
			}
		})
	}
}

func TestRunInvalidatesServiceCache(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, servicerecord.RecordCollection, r.URL.Query().Get("wantedCollections"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		events := []string{
			`{"did":"did:plc:abc","kind":"commit","commit":{"operation":"update","collection":"app.bsky.labeler.service"}}`,
			`not json`,
			`{"did":"did:plc:abc","kind":"identity"}`,
		}
		for _, ev := range events {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ev)))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store, err := statestore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SetService(context.Background(), "did:plc:abc", []string{"spam"}))

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	w := New(endpoint, []string{"did:plc:abc"}, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// The commit event force-expires the cached declared values.
	require.Eventually(t, func() bool {
		_, ok, err := store.GetService(context.Background(), "did:plc:abc")
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
