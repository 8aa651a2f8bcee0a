// Package remote is a thin HTTP client for the careunits API, used by the
// smoke tool and by sibling services that consume the ledger.
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

	"careunits.org/internal/ledger"
)

// Client talks to one careunits API instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option tunes the client.
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token used on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError carries a non-2xx response from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Token requests a development token and stores it on the client.
func (c *Client) Token(ctx context.Context, userID, organizationID string, roles []string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
		"user_id":         userID,
		"organization_id": organizationID,
		"roles":           roles,
	}, "", &out)
	if err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

func (c *Client) CreateAuthorization(ctx context.Context, in ledger.CreateInput) (ledger.Authorization, error) {
	var out ledger.Authorization
	err := c.do(ctx, http.MethodPost, "/v1/authorizations", in, "", &out)
	return out, err
}

func (c *Client) GetAuthorization(ctx context.Context, id string) (ledger.Authorization, error) {
	var out ledger.Authorization
	err := c.do(ctx, http.MethodGet, "/v1/authorizations/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

func (c *Client) Reserve(ctx context.Context, id string, units int64, idemKey string) (ledger.Authorization, error) {
	return c.unitOp(ctx, id, "reserve", units, idemKey)
}

func (c *Client) Release(ctx context.Context, id string, units int64, idemKey string) (ledger.Authorization, error) {
	return c.unitOp(ctx, id, "release", units, idemKey)
}

func (c *Client) Consume(ctx context.Context, id string, units int64, idemKey string) (ledger.Authorization, error) {
	return c.unitOp(ctx, id, "consume", units, idemKey)
}

func (c *Client) Availability(ctx context.Context, id string) (ledger.Availability, error) {
	var out ledger.Availability
	err := c.do(ctx, http.MethodGet, "/v1/authorizations/"+url.PathEscape(id)+"/availability", nil, "", &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, id string, after uint64, limit int) ([]ledger.UnitEvent, uint64, error) {
	var out struct {
		Events []ledger.UnitEvent `json:"events"`
		Next   uint64             `json:"next"`
	}
	path := fmt.Sprintf("/v1/authorizations/%s/events?after=%d&limit=%d", url.PathEscape(id), after, limit)
	err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out.Events, out.Next, err
}

func (c *Client) unitOp(ctx context.Context, id, op string, units int64, idemKey string) (ledger.Authorization, error) {
	var out ledger.Authorization
	path := "/v1/authorizations/" + url.PathEscape(id) + "/" + op
	err := c.do(ctx, http.MethodPost, path, map[string]any{"units": units}, idemKey, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, idemKey string, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error, RequestID: apiErr.RequestID}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
