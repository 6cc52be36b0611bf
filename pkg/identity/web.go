package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WellKnownDIDPath is where a did:web subject publishes its document.
const WellKnownDIDPath = "/.well-known/did.json"

// WebResolver resolves did:web identifiers by fetching the subject's
// well-known DID document.
type WebResolver struct {
	cfg    webConfig
	client *http.Client
}

type webConfig struct {
	timeout  time.Duration
	insecure bool
}

// WebOption configures a WebResolver.
type WebOption func(*webConfig) error

// WithTimeout overrides the per-resolution HTTP timeout.
func WithTimeout(timeout time.Duration) WebOption {
	return func(c *webConfig) error {
		if timeout == 0 {
			return fmt.Errorf("timeout cannot be zero")
		}
		c.timeout = timeout
		return nil
	}
}

// InsecureResolution fetches documents over http instead of https.
// Intended for tests against local endpoints.
func InsecureResolution() WebOption {
	return func(c *webConfig) error {
		c.insecure = true
		return nil
	}
}

var _ Resolver = (*WebResolver)(nil)

// NewWebResolver creates a did:web resolver.
func NewWebResolver(opts ...WebOption) (*WebResolver, error) {
	cfg := webConfig{timeout: defaultResolveTimeout}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &WebResolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.timeout},
	}, nil
}

// DomainFromDID extracts the host from a did:web identifier. Percent
// encoding in the method-specific id covers ports (did:web:host%3A8080).
func DomainFromDID(did string) (string, error) {
	if !strings.HasPrefix(did, webPrefix) {
		return "", fmt.Errorf("invalid did:web format: must start with %q", webPrefix)
	}
	domain := strings.TrimPrefix(did, webPrefix)
	if domain == "" {
		return "", fmt.Errorf("invalid did:web format: no domain specified")
	}
	// Paths in did:web (colon-separated segments) identify non-root
	// subjects; labelers are root subjects only.
	if strings.Contains(domain, ":") && !strings.Contains(domain, "%3A") && !strings.Contains(domain, "%3a") {
		return "", fmt.Errorf("did:web with path segments is not supported: %s", did)
	}
	unescaped, err := url.PathUnescape(domain)
	if err != nil {
		return "", fmt.Errorf("invalid did:web domain %q: %w", domain, err)
	}
	if len(unescaped) > 253+6 {
		return "", fmt.Errorf("domain too long")
	}
	return unescaped, nil
}

func (r *WebResolver) Resolve(ctx context.Context, did string, opts ...Option) (*Document, error) {
	domain, err := DomainFromDID(did)
	if err != nil {
		return nil, err
	}
	scheme := "https"
	if r.cfg.insecure {
		scheme = "http"
	}
	endpoint := url.URL{
		Scheme: scheme,
		Host:   domain,
		Path:   WellKnownDIDPath,
	}
	doc, err := fetchDocument(ctx, r.client, endpoint.String())
	if err != nil {
		return nil, err
	}
	if doc.ID != did {
		return nil, fmt.Errorf("document id %s does not match %s", doc.ID, did)
	}
	return doc, nil
}
