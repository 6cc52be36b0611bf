package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument(did string) *Document {
	return &Document{
		Context: FlexibleContext{"https://www.w3.org/ns/did/v1"},
		ID:      did,
		VerificationMethod: []VerificationMethod{
			{
				ID:                 did + "#atproto_label",
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: "zQ3shXjHeiBuRCKmM36cuYnm7YEMzhGnCmCyW92sRJ9pribSF",
			},
		},
		Service: []Service{
			{
				ID:              "#atproto_labeler",
				Type:            "AtprotoLabeler",
				ServiceEndpoint: "https://labeler.example.com",
			},
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: "https://pds.example.com",
			},
		},
	}
}

func TestDirectoryResolver(t *testing.T) {
	did := "did:plc:abc123"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/"+did, r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(testDocument(did)))
	}))
	defer srv.Close()

	doc, err := NewDirectoryResolver(srv.URL).Resolve(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, did, doc.ID)

	key, err := doc.LabelSigningKey()
	require.NoError(t, err)
	assert.Equal(t, "zQ3shXjHeiBuRCKmM36cuYnm7YEMzhGnCmCyW92sRJ9pribSF", key)

	labeler, err := doc.LabelerEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://labeler.example.com", labeler)

	pds, err := doc.PDSEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.com", pds)
}

func TestDirectoryResolverNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewDirectoryResolver(srv.URL).Resolve(context.Background(), "did:plc:missing")
	require.ErrorContains(t, err, "status 404")
}

func TestDirectoryResolverRejectsOtherMethods(t *testing.T) {
	_, err := NewDirectoryResolver("").Resolve(context.Background(), "did:web:example.com")
	require.ErrorContains(t, err, "not a did:plc identifier")
}

func TestWebResolver(t *testing.T) {
	var did string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, WellKnownDIDPath, r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(testDocument(did)))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	did = "did:web:" + strings.ReplaceAll(host, ":", "%3A")

	r, err := NewWebResolver(InsecureResolution())
	require.NoError(t, err)
	doc, err := r.Resolve(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, did, doc.ID)
}

func TestWebResolverRejectsMismatchedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(testDocument("did:web:somebody-else.example")))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	did := "did:web:" + strings.ReplaceAll(host, ":", "%3A")

	r, err := NewWebResolver(InsecureResolution())
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), did)
	require.ErrorContains(t, err, "does not match")
}

func TestDomainFromDID(t *testing.T) {
	cases := []struct {
		did     string
		domain  string
		wantErr bool
	}{
		{did: "did:web:example.com", domain: "example.com"},
		{did: "did:web:localhost%3A8080", domain: "localhost:8080"},
		{did: "did:web:example.com:user:alice", wantErr: true},
		{did: "did:web:", wantErr: true},
		{did: "did:plc:abc", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.did, func(t *testing.T) {
			domain, err := DomainFromDID(tc.did)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.domain, domain)
		})
	}
}

func TestCompositeResolver(t *testing.T) {
	plc := &stubResolver{doc: testDocument("did:plc:abc")}
	web := &stubResolver{doc: testDocument("did:web:example.com")}
	r := NewCompositeResolver(plc, web)

	doc, err := r.Resolve(context.Background(), "did:plc:abc")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc", doc.ID)

	doc, err = r.Resolve(context.Background(), "did:web:example.com")
	require.NoError(t, err)
	assert.Equal(t, "did:web:example.com", doc.ID)

	_, err = r.Resolve(context.Background(), "did:key:z6Mk")
	require.ErrorContains(t, err, "unsupported DID method")
}

type stubResolver struct {
	mu    sync.Mutex
	doc   *Document
	err   error
	calls int
	gate  chan struct{} // when set, Resolve blocks until closed
}

func (s *stubResolver) Resolve(ctx context.Context, did string, opts ...Option) (*Document, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	doc, err := s.doc, s.err
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *stubResolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCachedResolverServesFromCache(t *testing.T) {
	stub := &stubResolver{doc: testDocument("did:plc:abc")}
	r := NewCachedResolver(stub, time.Minute)

	for i := 0; i < 3; i++ {
		doc, err := r.Resolve(context.Background(), "did:plc:abc")
		require.NoError(t, err)
		assert.Equal(t, "did:plc:abc", doc.ID)
	}
	assert.Equal(t, 1, stub.callCount())
}

func TestCachedResolverNoCache(t *testing.T) {
	stub := &stubResolver{doc: testDocument("did:plc:abc")}
	r := NewCachedResolver(stub, time.Minute)

	_, err := r.Resolve(context.Background(), "did:plc:abc")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "did:plc:abc", NoCache())
	require.NoError(t, err)
	assert.Equal(t, 2, stub.callCount())

	// The forced resolution refreshed the cache, so plain reads keep
	// hitting memory.
	_, err = r.Resolve(context.Background(), "did:plc:abc")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.callCount())
}

func TestCachedResolverDoesNotCacheErrors(t *testing.T) {
	stub := &stubResolver{err: fmt.Errorf("directory unavailable")}
	r := NewCachedResolver(stub, time.Minute)

	_, err := r.Resolve(context.Background(), "did:plc:abc")
	require.Error(t, err)
	_, err = r.Resolve(context.Background(), "did:plc:abc")
	require.Error(t, err)
	assert.Equal(t, 2, stub.callCount())
}

func TestCachedResolverCollapsesConcurrent(t *testing.T) {
	gate := make(chan struct{})
	stub := &stubResolver{doc: testDocument("did:plc:abc"), gate: gate}
	r := NewCachedResolver(stub, time.Minute)

	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "did:plc:abc")
		first <- err
	}()
	// Wait for the first resolution to be in flight before issuing the
	// second, so it is guaranteed to join the same flight.
	require.Eventually(t, func() bool { return stub.callCount() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "did:plc:abc")
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(gate)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, 1, stub.callCount())
}

func TestDocumentMissingEntries(t *testing.T) {
	doc := &Document{ID: "did:plc:abc"}
	_, err := doc.LabelSigningKey()
	require.Error(t, err)
	_, err = doc.LabelerEndpoint()
	require.Error(t, err)
	_, err = doc.PDSEndpoint()
	require.Error(t, err)
}

func TestEndpointToleratesStructuredValues(t *testing.T) {
	raw := []byte(`{
		"id": "did:web:example.com",
		"service": [{"id": "#atproto_labeler", "type": "AtprotoLabeler", "serviceEndpoint": {"uri": "https://x"}}]
	}`)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	_, err := doc.LabelerEndpoint()
	require.ErrorContains(t, err, "no string endpoint")
}
