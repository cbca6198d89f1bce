// Package engine implements the sync engine: the state machine that
// pulls server truth, pushes queued actions, reconciles conflicts, and
// advances the sync cursor.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cheez95/driversync/internal/model"
)

// ItemStatus is the server's per-item outcome for a pushed action.
type ItemStatus string

const (
	ItemAccepted ItemStatus = "accepted"
	ItemRejected ItemStatus = "rejected"
	ItemConflict ItemStatus = "conflict"
)

// PushItem is one action in a push batch. Items carry their idempotency
// key; the server contract requires replay of the same key to be a no-op
// returning the original outcome.
type PushItem struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	StopID          string          `json:"stop_id"`
	ActionType      model.ActionType `json:"action_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Seq             int64           `json:"seq"`
	Overwrite       bool            `json:"overwrite,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

// PushResult is the server's outcome for one pushed item.
type PushResult struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Status         ItemStatus        `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	ServerState    *model.FieldState `json:"server_state,omitempty"`
}

// PullResponse is the server's route truth since a cursor.
type PullResponse struct {
	Route  *model.Route `json:"route"`
	Cursor string       `json:"cursor"`
}

// Client is the remote sync API collaborator.
type Client interface {
	// Pull fetches route/stop state since the given cursor token.
	Pull(ctx context.Context, since string) (*PullResponse, error)

	// Push submits one batch of actions and returns per-item outcomes.
	Push(ctx context.Context, items []PushItem) ([]PushResult, error)

	// PushLocations uploads GPS trail samples. Best effort; additive.
	PushLocations(ctx context.Context, samples []model.LocationSample) error
}

// transientError marks failures worth retrying (timeouts, 5xx).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// HTTPClient talks to the remote sync API over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client for the sync API at baseURL. token is
// attached as a bearer credential when non-empty.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Pull implements Client.
func (c *HTTPClient) Pull(ctx context.Context, since string) (*PullResponse, error) {
	u := c.baseURL + "/sync/pull"
	if since != "" {
		u += "?since=" + url.QueryEscape(since)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("pull request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "pull"); err != nil {
		return nil, err
	}

	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &out, nil
}

// pushRequest is the wire body for POST /sync/push.
type pushRequest struct {
	Items []PushItem `json:"items"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, items []PushItem) ([]PushResult, error) {
	body, err := json.Marshal(pushRequest{Items: items})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("push request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "push"); err != nil {
		return nil, err
	}

	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return out.Results, nil
}

// PushLocations implements Client.
func (c *HTTPClient) PushLocations(ctx context.Context, samples []model.LocationSample) error {
	body, err := json.Marshal(map[string][]model.LocationSample{"samples": samples})
	if err != nil {
		return fmt.Errorf("failed to marshal location samples: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/locations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build locations request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("locations request failed: %w", err))
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode, "locations")
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps HTTP status codes to transient or terminal errors.
// 5xx and 429 are transient; other non-2xx are terminal.
func classifyStatus(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("%s got status %d", op, code))
	default:
		return fmt.Errorf("%s got status %d", op, code)
	}
}
