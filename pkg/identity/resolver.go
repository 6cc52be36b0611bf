package identity

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("identity")

// ResolveOptions adjust a single resolution.
type ResolveOptions struct {
	// NoCache forces a fresh resolution, bypassing and refreshing any
	// resolver-internal cache. Callers pass it on key-refresh paths.
	NoCache bool
}

// Option is a functional option for Resolver.Resolve.
type Option func(*ResolveOptions)

// NoCache bypasses resolver-internal caching for this call.
func NoCache() Option {
	return func(o *ResolveOptions) {
		o.NoCache = true
	}
}

// Resolver resolves a DID to its DID document. Implementations report
// failure via the returned error; they never panic across this boundary.
type Resolver interface {
	Resolve(ctx context.Context, did string, opts ...Option) (*Document, error)
}

const (
	plcPrefix = "did:plc:"
	webPrefix = "did:web:"
)

// CompositeResolver dispatches to a method-specific resolver by DID
// prefix.
type CompositeResolver struct {
	plc Resolver
	web Resolver
}

var _ Resolver = (*CompositeResolver)(nil)

// NewCompositeResolver returns a resolver handling did:plc via plc and
// did:web via web.
func NewCompositeResolver(plc, web Resolver) *CompositeResolver {
	return &CompositeResolver{plc: plc, web: web}
}

func (r *CompositeResolver) Resolve(ctx context.Context, did string, opts ...Option) (*Document, error) {
	switch {
	case strings.HasPrefix(did, plcPrefix):
		return r.plc.Resolve(ctx, did, opts...)
	case strings.HasPrefix(did, webPrefix):
		return r.web.Resolve(ctx, did, opts...)
	default:
		return nil, fmt.Errorf("unsupported DID method: %s", did)
	}
}
