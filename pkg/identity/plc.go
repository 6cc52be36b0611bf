package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultDirectoryURL is the base URL of the public PLC directory.
const DefaultDirectoryURL = "https://plc.directory"

const defaultResolveTimeout = 10 * time.Second

// DirectoryResolver resolves did:plc identifiers against a PLC directory.
type DirectoryResolver struct {
	baseURL string
	client  *http.Client
}

var _ Resolver = (*DirectoryResolver)(nil)

// NewDirectoryResolver creates a resolver against the given directory
// base URL. An empty baseURL uses the public directory.
func NewDirectoryResolver(baseURL string) *DirectoryResolver {
	if baseURL == "" {
		baseURL = DefaultDirectoryURL
	}
	return &DirectoryResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultResolveTimeout},
	}
}

func (r *DirectoryResolver) Resolve(ctx context.Context, did string, opts ...Option) (*Document, error) {
	if !strings.HasPrefix(did, plcPrefix) {
		return nil, fmt.Errorf("not a did:plc identifier: %s", did)
	}
	endpoint := fmt.Sprintf("%s/%s", r.baseURL, url.PathEscape(did))
	return fetchDocument(ctx, r.client, endpoint)
}

func fetchDocument(ctx context.Context, client *http.Client, endpoint string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status %d from %s", resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse DID document: %w", err)
	}
	return &doc, nil
}
