// Package resthttp implements the offsync.RemoteService interface over the
// hosted backend's REST API.
package resthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prestopos/offsync"
	syncErrors "github.com/prestopos/offsync/errors"
	"github.com/prestopos/offsync/logging"
)

const defaultMaxBodyBytes = 8 << 20 // 8MB

// Client talks to the remote backend's collection endpoints:
//
//	GET    {base}/v1/{entityType}          list the collection
//	POST   {base}/v1/{entityType}          create a record
//	PATCH  {base}/v1/{entityType}/{id}     partially update a record
//	DELETE {base}/v1/{entityType}/{id}     delete a record
type Client struct {
	baseURL      string
	http         *http.Client
	apiKey       string
	maxBodyBytes int64
	logger       *logging.Logger
}

// Compile-time check to ensure Client satisfies the RemoteService interface
var _ offsync.RemoteService = (*Client)(nil)

// Option configures a Client using the functional options pattern
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.http = cl
	}
}

// WithAPIKey sets the bearer token sent on every request
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithMaxBodyBytes caps the size of response bodies the client will read
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		c.maxBodyBytes = n
	}
}

// New creates a new REST client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL %q: %w", baseURL, err)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logging.WithComponent(logging.Component("remote/resthttp")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

// List fetches the complete remote set for the entity type.
func (c *Client) List(ctx context.Context, entityType string) ([]offsync.Record, error) {
	body, err := c.do(ctx, http.MethodGet, c.collectionURL(entityType), nil)
	if err != nil {
		return nil, err
	}

	var payloads []map[string]interface{}
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, syncErrors.NewRemoteError(syncErrors.OpPull,
			fmt.Errorf("decoding %s list response: %w", entityType, err))
	}

	records := make([]offsync.Record, 0, len(payloads))
	for _, payload := range payloads {
		rec, err := offsync.RecordFromPayload(payload)
		if err != nil {
			return nil, syncErrors.NewRemoteError(syncErrors.OpPull,
				fmt.Errorf("decoding %s record: %w", entityType, err))
		}
		rec.SyncStatus = offsync.StatusSynced
		records = append(records, rec)
	}
	return records, nil
}

// Create inserts a record remotely and returns the stored copy.
func (c *Client) Create(ctx context.Context, entityType string, rec offsync.Record) (*offsync.Record, error) {
	payload, err := json.Marshal(rec.Payload())
	if err != nil {
		return nil, syncErrors.NewRemoteError(syncErrors.OpPush, err)
	}

	body, err := c.do(ctx, http.MethodPost, c.collectionURL(entityType), payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(entityType, body)
}

// Update applies a partial patch and returns the stored copy.
func (c *Client) Update(ctx context.Context, entityType, id string, patch map[string]interface{}) (*offsync.Record, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, syncErrors.NewRemoteError(syncErrors.OpPush, err)
	}

	body, err := c.do(ctx, http.MethodPatch, c.recordURL(entityType, id), payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(entityType, body)
}

// Delete removes a record remotely. A 404 counts as success so that replaying
// a stale deletion stays idempotent.
func (c *Client) Delete(ctx context.Context, entityType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.recordURL(entityType, id), nil)
	if err != nil {
		var syncErr *syncErrors.SyncError
		if errors.As(err, &syncErr) {
			if status, ok := syncErr.Metadata["status"].(int); ok && status == http.StatusNotFound {
				return nil
			}
		}
		return err
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) collectionURL(entityType string) string {
	return fmt.Sprintf("%s/v1/%s", c.baseURL, url.PathEscape(entityType))
}

func (c *Client) recordURL(entityType, id string) string {
	return fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(id))
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, syncErrors.NewRemoteError(opForMethod(method), err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewRemoteError(opForMethod(method),
			fmt.Errorf("%s %s: %w", method, rawURL, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, syncErrors.NewRemoteError(opForMethod(method),
			fmt.Errorf("reading %s %s response: %w", method, rawURL, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "Remote request rejected",
			slog.String("method", method),
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		syncErr := syncErrors.NewRemoteError(opForMethod(method),
			fmt.Errorf("%s %s: unexpected status %d: %s", method, rawURL, resp.StatusCode, truncate(respBody, 256)))
		syncErr.Metadata = map[string]interface{}{"status": resp.StatusCode}
		// 4xx responses will not succeed on replay, do not retry them.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			syncErr.Retryable = false
		}
		return nil, syncErr
	}
	return respBody, nil
}

func opForMethod(method string) syncErrors.Operation {
	if method == http.MethodGet {
		return syncErrors.OpPull
	}
	return syncErrors.OpPush
}

func decodeRecord(entityType string, body []byte) (*offsync.Record, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, syncErrors.NewRemoteError(syncErrors.OpPush,
			fmt.Errorf("decoding %s response: %w", entityType, err))
	}
	rec, err := offsync.RecordFromPayload(payload)
	if err != nil {
		return nil, syncErrors.NewRemoteError(syncErrors.OpPush,
			fmt.Errorf("decoding %s record: %w", entityType, err))
	}
	rec.SyncStatus = offsync.StatusSynced
	return &rec, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
