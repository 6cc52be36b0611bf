package identity

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a resolved document is served from memory.
// This sits in front of the 24 h durable identity cache and only exists
// to absorb resolution bursts (many labels from one publisher arriving
// together, or startup fan-out).
const DefaultCacheTTL = time.Minute

// CachedResolver wraps a Resolver with a short-lived in-memory cache and
// collapses concurrent resolutions of the same DID into one call.
type CachedResolver struct {
	wrapped Resolver
	cache   *cache.Cache
	group   singleflight.Group
}

var _ Resolver = (*CachedResolver)(nil)

// NewCachedResolver wraps the given resolver. Expired entries are purged
// every 10 minutes.
func NewCachedResolver(wrapped Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedResolver{wrapped: wrapped, cache: cache.New(ttl, 10*time.Minute)}
}

func (c *CachedResolver) Resolve(ctx context.Context, did string, opts ...Option) (*Document, error) {
	var o ResolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.NoCache {
		if out, found := c.cache.Get(did); found {
			return out.(*Document), nil
		}
	}

	// Forced refreshes fly under their own key so they are never
	// satisfied by a lookup that started before the caller asked for
	// fresh data.
	key := did
	if o.NoCache {
		key = did + "!nocache"
	}
	out, err, _ := c.group.Do(key, func() (any, error) {
		doc, err := c.wrapped.Resolve(ctx, did, opts...)
		if err != nil {
			return nil, err
		}
		c.cache.Set(did, doc, cache.DefaultExpiration)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Document), nil
}
