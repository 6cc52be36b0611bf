// Package validator gates every received label: shape, source binding,
// signature, declared-value membership, and expiry.
package validator

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/atgraph/muncher/pkg/identity"
	"github.com/atgraph/muncher/pkg/label"
	"github.com/atgraph/muncher/pkg/statestore"
)

var log = logging.Logger("validator")

// GlobalLabelValues are always valid for any publisher, declared or not.
// They match the label values the downstream AppView accepts by default.
var GlobalLabelValues = mapset.NewSet(
	"porn",
	"sexual",
	"nudity",
	"graphic-media",
	"gore",
)

// Result is the outcome of validating one label. Invalid labels carry a
// reason; validation never raises past this boundary.
type Result struct {
	Valid  bool
	Reason string
}

func invalid(reason string) Result {
	return Result{Reason: reason}
}

var valid = Result{Valid: true}

// RecordFetcher populates declared label values on a service-cache miss.
type RecordFetcher interface {
	DeclaredValues(ctx context.Context, did string) ([]string, bool)
}

// Validator validates labels against a publisher's identity and declared
// policy. It owns the identity-cache read/write path; the publisher
// connections also resolve their subscription endpoints through it.
type Validator struct {
	store    *statestore.Store
	resolver identity.Resolver
	records  RecordFetcher
	now      func() time.Time
}

// New creates a Validator.
func New(store *statestore.Store, resolver identity.Resolver, records RecordFetcher) *Validator {
	return &Validator{
		store:    store,
		resolver: resolver,
		records:  records,
		now:      time.Now,
	}
}

// Validate runs the check sequence against a label received from the
// subscription for expectedDID. The first failed check decides.
func (v *Validator) Validate(ctx context.Context, l *label.Label, expectedDID string) Result {
	for _, f := range []struct {
		name  string
		empty bool
	}{
		{"src", l.Src == ""},
		{"uri", l.URI == ""},
		{"val", l.Val == ""},
		{"cts", l.CTS == ""},
		{"sig", len(l.Sig) == 0},
	} {
		if f.empty {
			return invalid(fmt.Sprintf("missing required field %s", f.name))
		}
	}

	if l.Src != expectedDID {
		return invalid("source DID does not match")
	}

	if res := v.checkSignature(ctx, l); !res.Valid {
		return res
	}

	if res := v.checkDeclaredValue(ctx, l); !res.Valid {
		return res
	}

	if l.Exp != nil {
		if exp, err := time.Parse(time.RFC3339, *l.Exp); err == nil {
			if !exp.After(v.now()) {
				return invalid("expired")
			}
		} else {
			log.Debugw("unparseable label expiry", "src", l.Src, "exp", *l.Exp)
		}
	}

	return valid
}

// checkSignature verifies the label signature against the publisher's
// cached signing key, refreshing the key once on failure. A refreshed key
// that is byte-identical to the cached one cannot change the outcome.
func (v *Validator) checkSignature(ctx context.Context, l *label.Label) Result {
	ident, err := v.resolveIdentity(ctx, l.Src, false)
	if err != nil {
		log.Warnw("failed to resolve signing identity", "did", l.Src, "error", err)
		return invalid("unable to resolve signing key")
	}
	key, err := identity.ParseSigningKey(ident.SigningKey)
	if err != nil {
		log.Warnw("unparseable signing key", "did", l.Src, "error", err)
		return invalid("unable to resolve signing key")
	}

	payload, err := l.SignedBytes()
	if err != nil {
		log.Errorw("failed to build signing payload", "did", l.Src, "error", err)
		return invalid("unable to encode signing payload")
	}

	if key.Verify(payload, l.Sig) {
		return valid
	}

	// The publisher may have rotated its key since we cached it.
	refreshed, err := v.resolveIdentity(ctx, l.Src, true)
	if err != nil {
		log.Warnw("failed to refresh signing identity", "did", l.Src, "error", err)
		return invalid("invalid signature")
	}
	newKey, err := identity.ParseSigningKey(refreshed.SigningKey)
	if err != nil {
		log.Warnw("unparseable refreshed signing key", "did", l.Src, "error", err)
		return invalid("invalid signature")
	}
	if !newKey.Equal(key) && newKey.Verify(payload, l.Sig) {
		return valid
	}
	return invalid("invalid signature")
}

func (v *Validator) checkDeclaredValue(ctx context.Context, l *label.Label) Result {
	if GlobalLabelValues.Contains(l.Val) {
		return valid
	}

	declared, hit, err := v.store.GetService(ctx, l.Src)
	if err != nil {
		log.Warnw("failed to read service cache", "did", l.Src, "error", err)
		hit = false
	}
	if !hit {
		// The fetcher caches on success; a failed fetch leaves the
		// entry absent so the next label retries.
		declared, _ = v.records.DeclaredValues(ctx, l.Src)
	}

	if mapset.NewSet(declared...).Contains(l.Val) {
		return valid
	}
	return invalid("value not in labeler's declared values")
}

// SubscriptionEndpoint resolves the base URL of the publisher's label
// stream through the identity cache.
func (v *Validator) SubscriptionEndpoint(ctx context.Context, did string) (string, error) {
	ident, err := v.resolveIdentity(ctx, did, false)
	if err != nil {
		return "", err
	}
	return ident.Endpoint, nil
}

// resolveIdentity returns the cached identity for did, resolving and
// caching it on miss. refresh forces a fresh directory resolution and
// rewrites the cache.
func (v *Validator) resolveIdentity(ctx context.Context, did string, refresh bool) (*statestore.Identity, error) {
	if !refresh {
		ident, err := v.store.GetIdentity(ctx, did)
		if err != nil {
			log.Warnw("failed to read identity cache", "did", did, "error", err)
		} else if ident != nil {
			return ident, nil
		}
	}

	var opts []identity.Option
	if refresh {
		opts = append(opts, identity.NoCache())
	}
	doc, err := v.resolver.Resolve(ctx, did, opts...)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", did, err)
	}
	key, err := doc.LabelSigningKey()
	if err != nil {
		return nil, err
	}
	endpoint, err := doc.LabelerEndpoint()
	if err != nil {
		return nil, err
	}

	ident := statestore.Identity{SigningKey: key, Endpoint: endpoint}
	if err := v.store.SetIdentity(ctx, did, ident); err != nil {
		log.Warnw("failed to cache identity", "did", did, "error", err)
	}
	return &ident, nil
}
