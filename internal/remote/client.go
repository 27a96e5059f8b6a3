package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lumoshq/fieldsync/internal/fields"
)

// Client talks to the hosted document API over HTTP with bearer auth.
// Transient failures (network errors, 5xx) are retried with exponential
// backoff; 4xx responses are permanent and surface immediately.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries uint64
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL, authToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     logger.With("component", "remote"),
		maxRetries: 3,
	}
	c.warnIfTokenExpired()
	return c
}

// warnIfTokenExpired inspects the bearer token's exp claim without verifying
// the signature. An expired token means every call will 401 until the auth
// layer refreshes it; surfacing that once at startup beats a silent retry loop.
func (c *Client) warnIfTokenExpired() {
	token, _, err := jwt.NewParser().ParseUnverified(c.authToken, jwt.MapClaims{})
	if err != nil {
		// Opaque (non-JWT) tokens are fine.
		return
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		c.logger.Warn("auth token is expired", "expired_at", exp.Time)
	}
}

type createRequest struct {
	ID     string     `json:"id,omitempty"`
	Fields fields.Map `json:"fields"`
}

type createResponse struct {
	ID string `json:"id"`
}

type updateRequest struct {
	Fields fields.Map `json:"fields"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (c *Client) Create(ctx context.Context, collection, id string, fm fields.Map) (string, error) {
	body, err := json.Marshal(createRequest{ID: id, Fields: fm})
	if err != nil {
		return "", fmt.Errorf("marshal create: %w", err)
	}
	respBody, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/collections/%s/documents", collection), body)
	if err != nil {
		return "", err
	}
	var resp createResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return resp.ID, nil
}

func (c *Client) Update(ctx context.Context, collection, id string, fm fields.Map) error {
	body, err := json.Marshal(updateRequest{Fields: fm})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/v1/collections/%s/documents/%s", collection, id), body)
	return err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/v1/collections/%s/documents/%s", collection, id), nil)
	return err
}

// do executes one API call with retry. The response body is returned for
// 2xx; 4xx maps to backoff.Permanent so it is not retried.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var out []byte

	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.authToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out = data
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s: server status %d", method, path, resp.StatusCode)
		default:
			var ae apiError
			if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
				return backoff.Permanent(fmt.Errorf("%s %s: %s (status %d)", method, path, ae.Message, resp.StatusCode))
			}
			return backoff.Permanent(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), c.maxRetries),
		ctx,
	)

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying remote call", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return out, nil
}
