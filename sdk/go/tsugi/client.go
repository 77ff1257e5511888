package tsugi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Tsugi server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Tsugi run-orchestration API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tsugi: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tsugi: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// CreateRun submits a new run. The run starts queued; set Execute on the
// request to have the server start execution immediately.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns the full state of a run: the run record, its plan
// steps, artifacts, and event log.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunStatusResponse, error) {
	var resp RunStatusResponse
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetContext attaches documents and preferences to a queued run. The
// server rejects the call once execution has started.
func (c *Client) SetContext(ctx context.Context, runID uuid.UUID, req SetContextRequest) error {
	return c.post(ctx, "/v1/runs/"+runID.String()+"/context", req, nil)
}

// Execute runs a queued run to completion and returns its final state.
// The call blocks for the duration of the run.
func (c *Client) Execute(ctx context.Context, runID uuid.UUID) (*RunStatusResponse, error) {
	var resp RunStatusResponse
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/execute", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll returns run events with seq greater than cursor, in seq order.
// Pass 0 to read from the beginning and the returned NextCursor on
// subsequent calls.
func (c *Client) Poll(ctx context.Context, runID uuid.UUID, cursor int64) (*PollResponse, error) {
	var resp PollResponse
	path := "/v1/runs/" + runID.String() + "/poll?cursor=" + strconv.FormatInt(cursor, 10)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollUntilDone polls the run's event log until the run reaches a
// terminal state, invoking fn for each new event. A nil fn discards
// events. The interval controls the wait between empty polls and
// defaults to one second.
func (c *Client) PollUntilDone(ctx context.Context, runID uuid.UUID, interval time.Duration, fn func(Event)) (*PollResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}

	var cursor int64
	for {
		resp, err := c.Poll(ctx, runID, cursor)
		if err != nil {
			return nil, err
		}
		for _, ev := range resp.Items {
			if fn != nil {
				fn(ev)
			}
		}
		cursor = resp.NextCursor

		if resp.Done {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cancel requests cancellation of a run. A queued run is cancelled
// immediately; an active run stops before its next step. Cancelling a
// finished run returns a conflict error.
func (c *Client) Cancel(ctx context.Context, runID uuid.UUID) error {
	return c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", struct{}{}, nil)
}

// Health checks server liveness. It requires no authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Token management
// ---------------------------------------------------------------------------

// tokenManager handles JWT token acquisition and refresh.
// It is safe for concurrent use.
type tokenManager struct {
	baseURL string
	apiKey  string
	client  *http.Client
	margin  time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		margin:  30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}

	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponseEnvelope struct {
	Data struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authRequest{APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("tsugi: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tsugi: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("tsugi: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tsugi: auth failed with status %d", resp.StatusCode)
	}

	var envelope authResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("tsugi: decode auth response: %w", err)
	}

	tm.token = envelope.Data.Token
	tm.expiresAt = envelope.Data.ExpiresAt
	return nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tsugi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("tsugi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tsugi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tsugi: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tsugi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tsugi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tsugi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("tsugi: decode response envelope: %w", err)
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
