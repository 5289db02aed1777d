// Package whatsapp sends plain-text WhatsApp messages through 360dialog or
// the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultDialog360URL = "https://waba.360dialog.io/v1"
	defaultCloudURL     = "https://graph.facebook.com/v18.0"
)

// Sender delivers a text message to one phone number.
type Sender interface {
	Name() string
	Send(ctx context.Context, phone, text string) error
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

type textBody struct {
	Body string `json:"body"`
}

type dialog360Message struct {
	RecipientType string   `json:"recipient_type"`
	To            string   `json:"to"`
	Type          string   `json:"type"`
	Text          textBody `json:"text"`
}

type cloudMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

// Option configures a provider client.
type Option func(*httpClient)

// WithBaseURL overrides the provider base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	name    string
	baseURL string
	path    string
	headers map[string]string
	build   func(phone, text string) any
	http    *http.Client
}

// NewDialog360 creates a 360dialog sender.
func NewDialog360(apiKey string, opts ...Option) Sender {
	c := &httpClient{
		name:    "360dialog",
		baseURL: defaultDialog360URL,
		path:    "/messages",
		headers: map[string]string{"D360-API-KEY": apiKey},
		build: func(phone, text string) any {
			return dialog360Message{RecipientType: "individual", To: phone, Type: "text", Text: textBody{Body: text}}
		},
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewCloud creates a WhatsApp Cloud API sender for the given business
// phone number id.
func NewCloud(token, phoneID string, opts ...Option) Sender {
	c := &httpClient{
		name:    "cloud_api",
		baseURL: defaultCloudURL,
		path:    "/" + phoneID + "/messages",
		headers: map[string]string{"Authorization": "Bearer " + token},
		build: func(phone, text string) any {
			return cloudMessage{MessagingProduct: "whatsapp", To: phone, Type: "text", Text: textBody{Body: text}}
		},
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Name() string { return c.name }

func (c *httpClient) Send(ctx context.Context, phone, text string) error {
	body, err := json.Marshal(c.build(phone, text))
	if err != nil {
		return eris.Wrapf(err, "whatsapp: %s marshal message", c.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "whatsapp: %s create request", c.name)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "whatsapp: %s send request", c.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
