// Package compare calls the external face comparison service. The matching
// algorithm lives entirely on the remote side; this client only frames the
// request and interprets the score.
package compare

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"rollcall/internal/verification"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20
)

type compareRequest struct {
	Probe     string  `json:"probe"`
	Reference string  `json:"reference"`
	Threshold float64 `json:"threshold"`
}

type compareResponse struct {
	Matched bool    `json:"matched"`
	Score   float64 `json:"score"`
}

// Client implements verification.Comparer over HTTP.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// New builds a comparison client rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = defaultTimeout
	rc.Logger = nil

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare submits a probe/reference pair and returns the remote verdict.
func (c *Client) Compare(ctx context.Context, probe, reference []byte, threshold float64) (verification.Match, error) {
	payload, err := json.Marshal(compareRequest{
		Probe:     base64.StdEncoding.EncodeToString(probe),
		Reference: base64.StdEncoding.EncodeToString(reference),
		Threshold: threshold,
	})
	if err != nil {
		return verification.Match{}, fmt.Errorf("encoding comparison request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compare", bytes.NewReader(payload))
	if err != nil {
		return verification.Match{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return verification.Match{}, fmt.Errorf("comparison service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return verification.Match{}, fmt.Errorf("comparison service status %d", resp.StatusCode)
	}

	var parsed compareResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&parsed); err != nil {
		return verification.Match{}, fmt.Errorf("decoding comparison response: %w", err)
	}
	return verification.Match{Matched: parsed.Matched, Score: parsed.Score}, nil
}
