// Package api is the HTTP client for the kiseki log collector.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kiseki/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the collector (e.g. "https://api.kiseki.dev").
	BaseURL string

	// APIKey is the bearer credential presented on every request.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client talks to the collector's ingestion API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// InsertResponse reports how many events the collector accepted.
type InsertResponse struct {
	Accepted int `json:"accepted"`
}

// InsertEvents posts one batch of log events to the primary ingestion
// endpoint. A 413 response is returned as *Error with StatusCode 413 so the
// caller can route oversized events through the overflow path.
func (c *Client) InsertEvents(ctx context.Context, events []model.LogEvent) (*InsertResponse, error) {
	body := map[string]any{"events": events}
	var resp InsertResponse
	if err := c.post(ctx, "/v1/logs", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadTarget is a one-time out-of-band destination for an oversized payload.
type UploadTarget struct {
	UploadID string `json:"upload_id"`
	URL      string `json:"url"`
}

// NegotiateUpload asks the collector for a one-time upload target able to
// hold contentLength bytes.
func (c *Client) NegotiateUpload(ctx context.Context, contentLength int) (*UploadTarget, error) {
	body := map[string]any{
		"content_length": contentLength,
		"content_type":   "application/json",
	}
	var resp UploadTarget
	if err := c.post(ctx, "/v1/uploads", body, &resp); err != nil {
		return nil, err
	}
	if resp.UploadID == "" || resp.URL == "" {
		return nil, fmt.Errorf("api: upload negotiation returned incomplete target")
	}
	return &resp, nil
}

// Upload PUTs an oversized payload to a previously negotiated target.
// The target URL is typically pre-signed; no bearer auth is attached.
func (c *Client) Upload(ctx context.Context, target *UploadTarget, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, bytes.NewReader(payload))
	if err != nil {
		return &OverflowUploadError{UploadID: target.UploadID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(payload))

	resp, err := c.client.Do(req)
	if err != nil {
		return &OverflowUploadError{UploadID: target.UploadID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &OverflowUploadError{
			UploadID: target.UploadID,
			Err:      fmt.Errorf("upload target responded %d", resp.StatusCode),
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the collector's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the collector's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the collector's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("api: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
