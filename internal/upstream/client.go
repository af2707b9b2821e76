// Package upstream implements the client for the external
// subscriber-management system. It is the engine's only network I/O
// boundary: authentication plus page-by-page record fetches.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "subscriber-sync-server/1.0"
)

// Fetcher retrieves pages of records from the external system.
//
// Implementations must treat page numbers as 1-based and return a stable
// TotalRecords across pages of the same run.
type Fetcher interface {
	// Authenticate verifies credentials against the external system.
	// Failures surface as *TransportError.
	Authenticate(ctx context.Context, integrationID string) error

	// FetchPage retrieves one page of records of the given kind.
	FetchPage(ctx context.Context, integrationID string, kind RecordKind, page, pageSize int) (*Page, error)
}

// Client is the default HTTP implementation of Fetcher.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string

	// per-integration endpoint overrides, keyed by integration id
	overrides map[string]string
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithTimeout sets the HTTP timeout. Zero keeps the default.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithEndpointOverride routes requests for one integration to a
// different base endpoint.
func WithEndpointOverride(integrationID, endpoint string) ClientOption {
	return func(c *Client) {
		c.overrides[integrationID] = endpoint
	}
}

// WithHTTPClient replaces the underlying HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Fetcher talking to the given base endpoint.
func NewClient(endpoint, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   trimSlash(endpoint),
		apiKey:     apiKey,
		overrides:  make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ Fetcher = (*Client)(nil)

// Authenticate verifies the API key by requesting the integration's
// session endpoint. Any failure here is a transport-level failure: the
// engine cannot make progress without a valid session.
func (c *Client) Authenticate(ctx context.Context, integrationID string) error {
	reqURL := fmt.Sprintf("%s/integrations/%s/session", c.baseURL(integrationID), url.PathEscape(integrationID))

	if _, err := c.get(ctx, reqURL); err != nil {
		// Every failure to establish a session is a transport-level
		// failure: the engine cannot make progress without one.
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{URL: reqURL, Err: err}
	}
	return nil
}

// pageEnvelope is the wire framing of a paginated collection response.
type pageEnvelope struct {
	Total    int             `json:"total"`
	LastPage bool            `json:"lastPage"`
	Items    json.RawMessage `json:"items"`
}

// FetchPage retrieves one page of records of the given kind.
func (c *Client) FetchPage(
	ctx context.Context, integrationID string, kind RecordKind, page, pageSize int,
) (*Page, error) {
	reqURL := fmt.Sprintf("%s/integrations/%s/%s?page=%s&pageSize=%s",
		c.baseURL(integrationID),
		url.PathEscape(integrationID),
		kind,
		strconv.Itoa(page),
		strconv.Itoa(pageSize),
	)

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &UpstreamError{
			StatusCode: http.StatusOK,
			URL:        reqURL,
			Message:    fmt.Sprintf("malformed page response: %v", err),
		}
	}

	result := &Page{
		TotalRecords: envelope.Total,
		LastPage:     envelope.LastPage,
	}

	switch kind {
	case KindProfile:
		if len(envelope.Items) > 0 {
			if err := json.Unmarshal(envelope.Items, &result.Profiles); err != nil {
				return nil, &UpstreamError{
					StatusCode: http.StatusOK,
					URL:        reqURL,
					Message:    fmt.Sprintf("malformed profile items: %v", err),
				}
			}
		}
	case KindUser:
		if len(envelope.Items) > 0 {
			if err := json.Unmarshal(envelope.Items, &result.Users); err != nil {
				return nil, &UpstreamError{
					StatusCode: http.StatusOK,
					URL:        reqURL,
					Message:    fmt.Sprintf("malformed user items: %v", err),
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown record kind: %s", kind)
	}

	return result, nil
}

// get performs an authenticated GET and returns the response body.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: reqURL, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &TransportError{
			URL: reqURL,
			Err: &UpstreamError{StatusCode: resp.StatusCode, URL: reqURL, Message: string(body)},
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			URL:        reqURL,
			Message:    truncate(string(body), 512),
		}
	}

	return body, nil
}

func (c *Client) baseURL(integrationID string) string {
	if override, ok := c.overrides[integrationID]; ok {
		return trimSlash(override)
	}
	return c.endpoint
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
