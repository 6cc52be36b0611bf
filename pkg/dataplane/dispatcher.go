package dataplane

import (
	"context"
	"strings"
	"time"

	"github.com/atgraph/muncher/pkg/label"
)

// TakedownValue is the label value that triggers moderation dispatch.
const TakedownValue = "!takedown"

const refPrefix = "BSKY-TAKEDOWN-"

// TakedownRef derives the deterministic takedown reference for a label:
// the prefix plus the label's creation timestamp with every
// non-alphanumeric character stripped.
func TakedownRef(cts string) string {
	var b strings.Builder
	b.WriteString(refPrefix)
	for _, r := range cts {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Takedowns is the subset of the dataplane the dispatcher needs.
type Takedowns interface {
	TakedownActor(ctx context.Context, did, ref string, seen time.Time) error
	UntakedownActor(ctx context.Context, did string, seen time.Time) error
	TakedownRecord(ctx context.Context, recordURI, ref string, seen time.Time) error
	UntakedownRecord(ctx context.Context, recordURI string, seen time.Time) error
}

// Dispatcher translates !takedown labels from the trusted moderation
// service into dataplane calls. RPC failures are logged and swallowed;
// the label row is already persisted by the time dispatch runs.
type Dispatcher struct {
	client Takedowns
	modDID string
	now    func() time.Time
}

// NewDispatcher creates a Dispatcher trusting modDID.
func NewDispatcher(client Takedowns, modDID string) *Dispatcher {
	return &Dispatcher{client: client, modDID: modDID, now: time.Now}
}

// Wants reports whether dispatch applies to the label.
func (d *Dispatcher) Wants(l *label.Label) bool {
	return d != nil && l.Src == d.modDID && l.Val == TakedownValue
}

// Dispatch issues the dataplane call for an accepted !takedown label.
func (d *Dispatcher) Dispatch(ctx context.Context, l *label.Label) {
	if !d.Wants(l) {
		return
	}
	ref := TakedownRef(l.CTS)
	seen := d.now()

	var err error
	switch {
	case strings.HasPrefix(l.URI, "did:"):
		if l.Negated() {
			err = d.client.UntakedownActor(ctx, l.URI, seen)
		} else {
			err = d.client.TakedownActor(ctx, l.URI, ref, seen)
		}
	case strings.HasPrefix(l.URI, "at://"):
		if l.Negated() {
			err = d.client.UntakedownRecord(ctx, l.URI, seen)
		} else {
			err = d.client.TakedownRecord(ctx, l.URI, ref, seen)
		}
	default:
		log.Errorw("takedown label with unrecognized subject", "uri", l.URI)
		return
	}
	if err != nil {
		log.Errorw("takedown dispatch failed", "uri", l.URI, "neg", l.Negated(), "error", err)
	}
}
