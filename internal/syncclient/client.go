// Package syncclient is the HTTP implementation of the remote-apply
// collaborator. It maps the server's responses onto the engine's error
// taxonomy: 409 is a conflict, 408/429/5xx and transport failures are
// transient, every other 4xx is permanent.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcus/oq/internal/remote"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Client talks to an oq sync server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a sync client with the default apply timeout.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// applyResponse is the success body from POST /v1/apply.
type applyResponse struct {
	NewVersion int64 `json:"new_version"`
}

// conflictBody is the 409 body carrying the authoritative remote state.
type conflictBody struct {
	RemoteVersion int64           `json:"remote_version"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	RemoteChanged []string        `json:"remote_changed,omitempty"`
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Apply implements remote.Applier over POST /v1/apply.
func (c *Client) Apply(ctx context.Context, req remote.ApplyRequest) (remote.ApplyResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return remote.ApplyResult{}, fmt.Errorf("marshal apply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/apply", bytes.NewReader(body))
	if err != nil {
		return remote.ApplyResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		httpReq.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		// Timeouts, DNS failures, dropped connections: all retryable
		return remote.ApplyResult{}, &remote.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.ApplyResult{}, &remote.TransientError{Cause: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var ok applyResponse
		if err := json.Unmarshal(respBody, &ok); err != nil {
			return remote.ApplyResult{}, fmt.Errorf("unmarshal apply response: %w", err)
		}
		return remote.ApplyResult{NewVersion: ok.NewVersion}, nil

	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(respBody, &cb); err != nil {
			return remote.ApplyResult{}, fmt.Errorf("unmarshal conflict body: %w", err)
		}
		return remote.ApplyResult{}, &remote.ConflictError{
			RemoteVersion: cb.RemoteVersion,
			RemotePayload: cb.RemotePayload,
			RemoteChanged: cb.RemoteChanged,
		}

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return remote.ApplyResult{}, &remote.TransientError{
			Cause: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody)),
		}

	default:
		return remote.ApplyResult{}, &remote.PermanentError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}
}

// errorMessage extracts the server's error body when it is structured.
func errorMessage(body []byte) string {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
		return apiErr.Error()
	}
	return string(body)
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits /healthz to verify server reachability. Used as the
// connectivity probe.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "GET", "/healthz", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping implements the netmon probe contract: nil error means reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.HealthCheck(ctx)
	return err
}

// do executes a JSON request against the server.
func (c *Client) do(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
