package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/studysync/backend/internal/uuid"
)

// RequestIDHeader carries a per-request identifier for server-side tracing.
const RequestIDHeader = "X-Request-ID"

// HTTPConfig holds HTTP document store connection configuration.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration

	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// HTTPStore implements DocumentStore over the document REST protocol:
//
//	PATCH /v1/documents/{userID}  body {"field": value}  merge-set
//	GET   /v1/documents/{userID}                         whole document, 404 if absent
type HTTPStore struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPStore creates a new HTTPStore.
func NewHTTPStore(config HTTPConfig) *HTTPStore {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	store := &HTTPStore{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		store.rateLimiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return store
}

// do sends req once the rate limiter admits it.
func (c *HTTPStore) do(req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return c.httpClient.Do(req)
}

func (c *HTTPStore) documentURL(userID string) string {
	return c.baseURL + "/v1/documents/" + url.PathEscape(userID)
}

// MergeField implements DocumentStore.
func (c *HTTPStore) MergeField(ctx context.Context, userID, field string, value json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{field: value})
	if err != nil {
		return fmt.Errorf("encode merge body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.documentURL(userID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create merge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, uuid.New())

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%w: merge request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("merge failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetField implements DocumentStore.
func (c *HTTPStore) GetField(ctx context.Context, userID, field string) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(userID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create get request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.New())

	resp, err := c.do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("get failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var doc map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("decode document: %w", err)
	}
	v, ok := doc[field]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}
