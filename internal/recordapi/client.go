// Package recordapi is the HTTP client for the external attendance record
// service. It authenticates with bearer tokens, retries transport faults
// and classifies conflict responses so the submission coordinator can tell
// a benign duplicate from a real failure.
package recordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"rollcall/internal/submission"
	"rollcall/pkg/platform/sentinel"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetryMax = 2
	maxResponseBody = 1 << 20
)

type attendanceEntry struct {
	SessionCode   string `json:"session_code"`
	ParticipantID string `json:"participant_id"`
	VerifiedAt    string `json:"verified_at"`
}

// AttendanceLine is one participant's state in the remote record.
type AttendanceLine struct {
	ParticipantID string `json:"participant_id"`
	Present       bool   `json:"present"`
}

type attendanceResponse struct {
	Data []AttendanceLine `json:"data"`
}

// Client talks to the record API. It satisfies submission.RecordAPI.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	creds   CredentialSource
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// WithRetryMax overrides the transport-level retry count.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// New builds a Client rooted at baseURL.
func New(baseURL string, creds CredentialSource, logger *slog.Logger, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = defaultTimeout
	rc.Logger = nil

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		creds:   creds,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRecord opens the session's attendance record with its first present
// participant.
func (c *Client) CreateRecord(ctx context.Context, sub submission.Submission) error {
	return c.write(ctx, http.MethodPost, sub)
}

// UpdateRecord marks one more participant present on an existing record.
func (c *Client) UpdateRecord(ctx context.Context, sub submission.Submission) error {
	return c.write(ctx, http.MethodPut, sub)
}

func (c *Client) write(ctx context.Context, method string, sub submission.Submission) error {
	entry := attendanceEntry{
		SessionCode:   sub.SessionCode,
		ParticipantID: sub.ParticipantID,
		VerifiedAt:    sub.VerifiedAt.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding attendance entry: %w", err)
	}

	resp, err := c.do(ctx, method, c.baseURL+"/attendance", payload)
	if err != nil {
		return fmt.Errorf("record API %s: %w", method, errTransport(err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return classifyConflict(body)
	case http.StatusForbidden:
		// A 403 always means the write did not happen.
		return fmt.Errorf("record API denied write: %s", strings.TrimSpace(string(body)))
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("record API status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	default:
		return fmt.Errorf("record API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// FetchAttendance returns the remote record's participant lines for a
// session. The report is built from this, not from local state.
func (c *Client) FetchAttendance(ctx context.Context, sessionCode string) ([]AttendanceLine, error) {
	url := c.baseURL + "/attendance?session_code=" + sessionCode
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching attendance: %w", errTransport(err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("attendance for session %s: %w", sessionCode, sentinel.ErrNotFound)
	default:
		return nil, fmt.Errorf("record API status %d fetching attendance", resp.StatusCode)
	}

	var parsed attendanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding attendance response: %w", err)
	}
	return parsed.Data, nil
}

// do issues one authenticated request. On a 401 it refreshes the credential
// and retries exactly once.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*http.Response, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining record API token: %w", err)
	}

	resp, err := c.send(ctx, method, url, payload, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.logger.Warn("record API token rejected, refreshing")
	token, err = c.creds.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing record API token: %w", err)
	}
	return c.send(ctx, method, url, payload, token)
}

func (c *Client) send(ctx context.Context, method, url string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// errTransport folds connection-level failures into the transient sentinel
// so the coordinator's budget logic can treat them uniformly. Context
// cancellation passes through untouched.
func errTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%v: %w", err, sentinel.ErrUnavailable)
}
