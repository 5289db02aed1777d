// Package amocrm provides OAuth-authenticated REST API access to amoCRM.
package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client defines the amoCRM API operations used by the sync core.
type Client interface {
	FindContact(ctx context.Context, query string) (*Contact, error)
	CreateContact(ctx context.Context, c Contact) (int64, error)
	UpdateContact(ctx context.Context, id int64, c Contact) error

	FindOpenLead(ctx context.Context, contactID, pipelineID int64) (*Lead, error)
	ListLeads(ctx context.Context, pipelineID int64) ([]Lead, error)
	GetLead(ctx context.Context, id int64) (*Lead, error)
	CreateLead(ctx context.Context, lead Lead) (int64, error)
	UpdateLead(ctx context.Context, id int64, fields map[string]any) error

	ListTasks(ctx context.Context, leadID int64) ([]Task, error)
	CreateTasks(ctx context.Context, tasks []Task) error

	ListNotes(ctx context.Context, leadID int64) ([]Note, error)
	AddNote(ctx context.Context, leadID int64, text string) error

	ListFiles(ctx context.Context, leadID int64) ([]File, error)
}

// TokenSource supplies bearer tokens to the client.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// ClientOption configures the amoCRM client.
type ClientOption func(*httpClient)

// WithRateLimit sets a per-second rate limit for API calls.
func WithRateLimit(rps float64) ClientOption {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an amoCRM client. Every request is authorized through
// tokens; a 401 triggers exactly one forced refresh and retry.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// do performs an authenticated request and decodes a JSON response into out
// (when non-nil). Empty bodies and 204 responses leave out untouched.
func (c *httpClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return eris.Wrapf(err, "amocrm: marshal %s %s", method, path)
		}
		payload = b
	}

	token, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return err
	}

	status, respBody, err := c.send(ctx, method, path, query, payload, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		zap.L().Info("amocrm: access token rejected, refreshing", zap.String("path", path))
		token, err = c.tokens.ForceRefresh(ctx, token)
		if err != nil {
			return err
		}
		status, respBody, err = c.send(ctx, method, path, query, payload, token)
		if err != nil {
			return err
		}
	}

	if status >= 300 {
		zap.L().Error("amocrm: API error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.String("body", string(respBody)),
		)
		return &APIError{Method: method, Path: path, Status: status, Body: string(respBody)}
	}

	if out == nil || status == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrapf(err, "amocrm: decode %s %s", method, path)
	}
	return nil
}

func (c *httpClient) send(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (int, []byte, error) {
	if err := c.wait(ctx); err != nil {
		return 0, nil, eris.Wrap(err, "amocrm: rate limit")
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "amocrm: create request %s %s", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "amocrm: %s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "amocrm: read response %s %s", method, path)
	}
	return resp.StatusCode, respBody, nil
}

func id64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func leadPath(leadID int64, suffix string) string {
	return fmt.Sprintf("/api/v4/leads/%d%s", leadID, suffix)
}
