// Package refstore fetches participant reference images from the static
// object store that enrollment photos are published to. Stored objects keep
// whatever extension they were uploaded with, so lookups probe a fixed set
// of suffixes. Fetched references are cached briefly because a session's
// roster tends to verify within a narrow window.
package refstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"rollcall/pkg/platform/sentinel"
)

var suffixes = []string{".jpg", ".jpeg", ".png"}

const (
	defaultCacheTTL   = 5 * time.Minute
	defaultCacheSize  = 4096
	defaultMaxBody    = 8 << 20
	cleaningInterval  = time.Minute
	defaultRetryMax   = 2
	defaultHTTPWindow = 15 * time.Second
)

// Client resolves participant IDs to reference image bytes over HTTP.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	cache   *ttlCache
	logger  *slog.Logger
	stop    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithCacheTTL overrides how long fetched references stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cache.ttl = ttl }
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// New builds a Client rooted at baseURL, e.g. "https://refs.example.org/people".
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = defaultHTTPWindow
	rc.Logger = nil

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		cache:   newTTLCache(defaultCacheTTL, defaultCacheSize),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache.cleaningBackground(cleaningInterval, c.stop)
	return c
}

// Close stops the cache janitor.
func (c *Client) Close() {
	close(c.stop)
}

// Fetch returns the reference image for a participant, probing the known
// object suffixes in order. A participant with no stored reference yields
// sentinel.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, participantID string) ([]byte, error) {
	if cached, ok := c.cache.load(participantID); ok {
		return cached, nil
	}

	for _, suffix := range suffixes {
		url := c.baseURL + "/" + participantID + suffix
		body, err := c.get(ctx, url)
		if err != nil {
			if err == errObjectMissing {
				continue
			}
			return nil, fmt.Errorf("fetching reference for %s: %w", participantID, err)
		}
		c.cache.store(participantID, body)
		return body, nil
	}

	c.logger.Debug("no reference object found", "participant", participantID)
	return nil, fmt.Errorf("reference for %s: %w", participantID, sentinel.ErrNotFound)
}

var errObjectMissing = fmt.Errorf("object missing")

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBody))
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			return nil, errObjectMissing
		}
		return body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// Some object stores answer 403 for absent keys.
		return nil, errObjectMissing
	default:
		return nil, fmt.Errorf("unexpected status %d from reference store", resp.StatusCode)
	}
}
