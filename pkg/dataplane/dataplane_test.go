package dataplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atgraph/muncher/pkg/label"
)

const modDID = "did:plc:moderation"

func TestTakedownRef(t *testing.T) {
	assert.Equal(t, "BSKY-TAKEDOWN-20240506T070809123Z", TakedownRef("2024-05-06T07:08:09.123Z"))
	assert.Equal(t, "BSKY-TAKEDOWN-", TakedownRef(""))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, HTTPVersion11)
	require.ErrorContains(t, err, "at least one dataplane host")

	_, err = NewClient([]string{"  "}, HTTPVersion11)
	require.ErrorContains(t, err, "empty dataplane host")

	_, err = NewClient([]string{"http://dp.internal"}, "3")
	require.ErrorContains(t, err, "invalid dataplane HTTP version")

	_, err = NewClient([]string{"http://dp.internal"}, HTTPVersion2)
	require.NoError(t, err)
}

func TestClientTakedownActor(t *testing.T) {
	var got actorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/moderation/takedownActor", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, HTTPVersion11)
	require.NoError(t, err)

	seen := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, c.TakedownActor(context.Background(), "did:plc:bad", "BSKY-TAKEDOWN-X", seen))
	assert.Equal(t, actorRequest{DID: "did:plc:bad", Ref: "BSKY-TAKEDOWN-X", SeenAt: "2024-05-06T07:08:09Z"}, got)
}

func TestClientTakedownRecord(t *testing.T) {
	var got recordRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/moderation/takedownRecord", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, HTTPVersion11)
	require.NoError(t, err)

	uri := "at://did:plc:bad/app.bsky.feed.post/3k"
	require.NoError(t, c.TakedownRecord(context.Background(), uri, "BSKY-TAKEDOWN-X", time.Now()))
	assert.Equal(t, uri, got.RecordURI)
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, HTTPVersion11)
	require.NoError(t, err)
	err = c.UntakedownActor(context.Background(), "did:plc:bad", time.Now())
	require.ErrorContains(t, err, "status 500")
}

func TestClientRoundRobin(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
		}
	}
	a := httptest.NewServer(handler("a"))
	defer a.Close()
	b := httptest.NewServer(handler("b"))
	defer b.Close()

	c, err := NewClient([]string{a.URL, b.URL}, HTTPVersion11)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.UntakedownActor(context.Background(), "did:plc:bad", time.Now()))
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, hits)
}

type takedownCall struct {
	method string
	uri    string
	ref    string
}

type fakeTakedowns struct {
	calls []takedownCall
	err   error
}

func (f *fakeTakedowns) TakedownActor(ctx context.Context, did, ref string, seen time.Time) error {
	f.calls = append(f.calls, takedownCall{"takedownActor", did, ref})
	return f.err
}

func (f *fakeTakedowns) UntakedownActor(ctx context.Context, did string, seen time.Time) error {
	f.calls = append(f.calls, takedownCall{"untakedownActor", did, ""})
	return f.err
}

func (f *fakeTakedowns) TakedownRecord(ctx context.Context, recordURI, ref string, seen time.Time) error {
	f.calls = append(f.calls, takedownCall{"takedownRecord", recordURI, ref})
	return f.err
}

func (f *fakeTakedowns) UntakedownRecord(ctx context.Context, recordURI string, seen time.Time) error {
	f.calls = append(f.calls, takedownCall{"untakedownRecord", recordURI, ""})
	return f.err
}

func takedownLabel(uri string, neg bool) *label.Label {
	l := &label.Label{
		Src: modDID,
		URI: uri,
		Val: TakedownValue,
		CTS: "2024-05-06T07:08:09.123Z",
		Sig: []byte{1},
	}
	if neg {
		l.Neg = &neg
	}
	return l
}

func TestDispatcherWants(t *testing.T) {
	d := NewDispatcher(&fakeTakedowns{}, modDID)

	assert.True(t, d.Wants(takedownLabel("did:plc:bad", false)))

	other := takedownLabel("did:plc:bad", false)
	other.Src = "did:plc:somebody"
	assert.False(t, d.Wants(other))

	spam := takedownLabel("did:plc:bad", false)
	spam.Val = "spam"
	assert.False(t, d.Wants(spam))
}

func TestDispatcherRouting(t *testing.T) {
	ref := "BSKY-TAKEDOWN-20240506T070809123Z"
	cases := []struct {
		name string
		uri  string
		neg  bool
		want takedownCall
	}{
		{"actor takedown", "did:plc:bad", false, takedownCall{"takedownActor", "did:plc:bad", ref}},
		{"actor reversal", "did:plc:bad", true, takedownCall{"untakedownActor", "did:plc:bad", ""}},
		{"record takedown", "at://did:plc:bad/app.bsky.feed.post/3k", false, takedownCall{"takedownRecord", "at://did:plc:bad/app.bsky.feed.post/3k", ref}},
		{"record reversal", "at://did:plc:bad/app.bsky.feed.post/3k", true, takedownCall{"untakedownRecord", "at://did:plc:bad/app.bsky.feed.post/3k", ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeTakedowns{}
			d := NewDispatcher(fake, modDID)
			d.Dispatch(context.Background(), takedownLabel(tc.uri, tc.neg))
			require.Len(t, fake.calls, 1)
			assert.Equal(t, tc.want, fake.calls[0])
		})
	}
}

func TestDispatcherIgnoresUnrecognizedSubject(t *testing.T) {
	fake := &fakeTakedowns{}
	d := NewDispatcher(fake, modDID)
	d.Dispatch(context.Background(), takedownLabel("https://example.com/thing", false))
	assert.Empty(t, fake.calls)
}

func TestDispatcherSwallowsRPCErrors(t *testing.T) {
	fake := &fakeTakedowns{err: assert.AnError}
	d := NewDispatcher(fake, modDID)
	// Must not panic or propagate; the row is already stored.
	d.Dispatch(context.Background(), takedownLabel("did:plc:bad", false))
	assert.Len(t, fake.calls, 1)
}
