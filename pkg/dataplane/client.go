// Package dataplane invokes moderation takedowns against the downstream
// dataplane service.
package dataplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/http2"
)

var log = logging.Logger("dataplane")

// Supported transport versions for the dataplane client.
const (
	HTTPVersion11 = "1.1"
	HTTPVersion2  = "2"
)

// Client is the takedown RPC surface of the dataplane. Requests are
// spread across the configured hosts round-robin.
type Client struct {
	hosts []string
	next  atomic.Uint64
	http  *http.Client
}

// NewClient creates a dataplane client. httpVersion must be "1.1" or
// "2"; version 2 speaks h2c so the dataplane can sit behind a plaintext
// internal load balancer.
func NewClient(hosts []string, httpVersion string) (*Client, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("at least one dataplane host is required")
	}
	cleaned := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimRight(strings.TrimSpace(h), "/")
		if h == "" {
			return nil, fmt.Errorf("empty dataplane host")
		}
		cleaned = append(cleaned, h)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	switch httpVersion {
	case HTTPVersion11:
	case HTTPVersion2:
		client.Transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	default:
		return nil, fmt.Errorf("invalid dataplane HTTP version %q (must be %q or %q)", httpVersion, HTTPVersion11, HTTPVersion2)
	}

	return &Client{hosts: cleaned, http: client}, nil
}

func (c *Client) host() string {
	n := c.next.Add(1)
	return c.hosts[(n-1)%uint64(len(c.hosts))]
}

func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/moderation/%s", c.host(), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}
	return nil
}

type actorRequest struct {
	DID    string `json:"did"`
	Ref    string `json:"ref,omitempty"`
	SeenAt string `json:"seenAt"`
}

type recordRequest struct {
	RecordURI string `json:"recordUri"`
	Ref       string `json:"ref,omitempty"`
	SeenAt    string `json:"seenAt"`
}

// TakedownActor takes down an account.
func (c *Client) TakedownActor(ctx context.Context, did, ref string, seen time.Time) error {
	return c.call(ctx, "takedownActor", actorRequest{DID: did, Ref: ref, SeenAt: seen.UTC().Format(time.RFC3339)})
}

// UntakedownActor reverses an account takedown.
func (c *Client) UntakedownActor(ctx context.Context, did string, seen time.Time) error {
	return c.call(ctx, "untakedownActor", actorRequest{DID: did, SeenAt: seen.UTC().Format(time.RFC3339)})
}

// TakedownRecord takes down a record.
func (c *Client) TakedownRecord(ctx context.Context, recordURI, ref string, seen time.Time) error {
	return c.call(ctx, "takedownRecord", recordRequest{RecordURI: recordURI, Ref: ref, SeenAt: seen.UTC().Format(time.RFC3339)})
}

// UntakedownRecord reverses a record takedown.
func (c *Client) UntakedownRecord(ctx context.Context, recordURI string, seen time.Time) error {
	return c.call(ctx, "untakedownRecord", recordRequest{RecordURI: recordURI, SeenAt: seen.UTC().Format(time.RFC3339)})
}
