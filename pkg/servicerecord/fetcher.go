// Package servicerecord retrieves a publisher's declared label values
// from the app.bsky.labeler.service record in its repository.
package servicerecord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/atgraph/muncher/pkg/identity"
	"github.com/atgraph/muncher/pkg/statestore"
)

var log = logging.Logger("servicerecord")

const (
	// RecordCollection is the NSID of the labeler service record.
	RecordCollection = "app.bsky.labeler.service"
	recordRKey       = "self"
	getRecordPath    = "/xrpc/com.atproto.repo.getRecord"
)

type recordResponse struct {
	URI   string        `json:"uri"`
	CID   string        `json:"cid,omitempty"`
	Value serviceRecord `json:"value"`
}

type serviceRecord struct {
	Type      string    `json:"$type"`
	Policies  *policies `json:"policies"`
	CreatedAt string    `json:"createdAt"`
}

type policies struct {
	LabelValues []string `json:"labelValues"`
}

// Fetcher fetches labeler service records and populates the service
// cache on success.
type Fetcher struct {
	resolver identity.Resolver
	store    *statestore.Store
	client   *http.Client
}

// NewFetcher creates a Fetcher resolving PDS endpoints through resolver
// and caching results in store.
func NewFetcher(resolver identity.Resolver, store *statestore.Store) *Fetcher {
	return &Fetcher{
		resolver: resolver,
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// DeclaredValues fetches the label values the publisher has declared and
// caches them. It returns (nil, false) on any failure; failures are
// logged, never propagated as the caller's error.
func (f *Fetcher) DeclaredValues(ctx context.Context, did string) ([]string, bool) {
	doc, err := f.resolver.Resolve(ctx, did)
	if err != nil {
		log.Warnw("failed to resolve identity for service record", "did", did, "error", err)
		return nil, false
	}
	pds, err := doc.PDSEndpoint()
	if err != nil {
		log.Warnw("publisher has no PDS endpoint", "did", did, "error", err)
		return nil, false
	}

	values, err := f.fetch(ctx, pds, did)
	if err != nil {
		log.Warnw("failed to fetch labeler service record", "did", did, "pds", pds, "error", err)
		return nil, false
	}

	if err := f.store.SetService(ctx, did, values); err != nil {
		log.Warnw("failed to cache declared values", "did", did, "error", err)
	}
	return values, true
}

func (f *Fetcher) fetch(ctx context.Context, pds, did string) ([]string, error) {
	q := url.Values{}
	q.Set("repo", did)
	q.Set("collection", RecordCollection)
	q.Set("rkey", recordRKey)
	endpoint := fmt.Sprintf("%s%s?%s", strings.TrimRight(pds, "/"), getRecordPath, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rec recordResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if rec.Value.Type != RecordCollection {
		return nil, fmt.Errorf("record has wrong $type %q", rec.Value.Type)
	}
	if rec.Value.Policies == nil || rec.Value.Policies.LabelValues == nil {
		return []string{}, nil
	}
	return rec.Value.Policies.LabelValues, nil
}
