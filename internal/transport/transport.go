// Package transport implements the HTTP Transport the syncrunner
// talks to, grounded on the teacher's internal/syncclient.Client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solostack/solostack/internal/codec"
)

// Sentinel errors mapped from the closed SyncApiErrorCode taxonomy,
// mirroring the teacher's syncclient sentinel errors.
var (
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrRateLimited  = errors.New("transport: rate limited")
	ErrUnavailable  = errors.New("transport: unavailable")
)

// DefaultTimeout is the caller-provided deadline default for managed
// connectors per spec §5.
const DefaultTimeout = 15 * time.Second

// HTTPTransport implements syncrunner.Transport over net/http against
// a sync server honoring the wire contract in spec §6.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New constructs an HTTPTransport with DefaultTimeout.
func New(baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Push sends a push request and parses the response via codec.
func (t *HTTPTransport) Push(ctx context.Context, req *codec.PushRequest) (*codec.PushResponse, error) {
	body, err := t.do(ctx, http.MethodPost, "/v1/sync/push", req)
	if err != nil {
		return nil, err
	}
	resp, err := codec.ParsePushResponse(body)
	if err != nil {
		return nil, fmt.Errorf("transport: parse push response: %w", err)
	}
	return resp, nil
}

// Pull sends a pull request and parses the response via codec.
func (t *HTTPTransport) Pull(ctx context.Context, req *codec.PullRequest) (*codec.PullResponse, error) {
	body, err := t.do(ctx, http.MethodPost, "/v1/sync/pull", req)
	if err != nil {
		return nil, err
	}
	resp, err := codec.ParsePullResponse(body)
	if err != nil {
		return nil, fmt.Errorf("transport: parse pull response: %w", err)
	}
	return resp, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	apiErr, parseErr := codec.ParseApiError(respBody)
	if parseErr != nil {
		return nil, fmt.Errorf("transport: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	switch apiErr.Code {
	case codec.ErrUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
	case codec.ErrForbidden:
		return nil, fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
	case codec.ErrRateLimited:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	case codec.ErrUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
	default:
		return nil, apiErr
	}
}
