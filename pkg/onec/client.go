// Package onec requests invoice and fulfillment documents from a 1C ERP HTTP
// service. Without a base URL the client answers with mock documents.
package onec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultInvoiceEndpoint     = "/documents/invoice"
	defaultFulfillmentEndpoint = "/documents/fulfillment"
	mockFallbackNumber         = "DRAFT-0001"
)

// Client creates ERP documents.
type Client interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error)
	CreateFulfillment(ctx context.Context, req FulfillmentRequest) (*FulfillmentResult, error)
	// Mock reports whether responses are generated locally.
	Mock() bool
}

// APIError is a non-2xx response from the ERP service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("onec: api error %d: %s", e.StatusCode, e.Body)
}

// Customer identifies the buyer on ERP documents.
type Customer struct {
	Name  string `json:"name"`
	BIN   string `json:"bin,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Item is one document line.
type Item struct {
	SKU         string   `json:"sku,omitempty"`
	Description string   `json:"description"`
	Quantity    float64  `json:"quantity"`
	Unit        string   `json:"unit,omitempty"`
	Price       float64  `json:"price"`
	VATRate     *float64 `json:"vat_rate,omitempty"`
}

// InvoiceRequest is the invoice payload.
type InvoiceRequest struct {
	LeadID       int64          `json:"leadId"`
	CRMContactID *int64         `json:"crmContactId,omitempty"`
	DraftNumber  string         `json:"draftNumber,omitempty"`
	Customer     Customer       `json:"customer"`
	Currency     string         `json:"currency"`
	DueDate      string         `json:"dueDate,omitempty"`
	Items        []Item         `json:"items"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// InvoiceResult is the ERP answer for an invoice.
type InvoiceResult struct {
	InvoiceNumber    string `json:"invoiceNumber,omitempty"`
	Number           string `json:"number,omitempty"`
	InvoicePDFBase64 string `json:"invoicePdfBase64,omitempty"`
	PDFURL           string `json:"pdfUrl,omitempty"`
}

// DocumentNumber returns the invoice number under either field name the
// ERP uses.
func (r *InvoiceResult) DocumentNumber() string {
	if r.InvoiceNumber != "" {
		return r.InvoiceNumber
	}
	return r.Number
}

// FulfillmentRequest is the waybill and act payload.
type FulfillmentRequest struct {
	LeadID          int64          `json:"leadId"`
	CRMContactID    *int64         `json:"crmContactId,omitempty"`
	DraftNumber     string         `json:"draftNumber,omitempty"`
	Customer        Customer       `json:"customer"`
	DeliveryAddress string         `json:"deliveryAddress,omitempty"`
	Documents       map[string]any `json:"documents,omitempty"`
	Items           []Item         `json:"items"`
}

// FulfillmentResult is the ERP answer for closing documents.
type FulfillmentResult struct {
	WaybillNumber    string `json:"waybillNumber"`
	ActNumber        string `json:"actNumber"`
	WaybillPDFBase64 string `json:"waybillPdfBase64,omitempty"`
	ActPDFBase64     string `json:"actPdfBase64,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

// WithEndpoints overrides the invoice and fulfillment paths. Empty values
// keep the defaults.
func WithEndpoints(invoice, fulfillment string) Option {
	return func(c *httpClient) {
		if invoice != "" {
			c.invoicePath = invoice
		}
		if fulfillment != "" {
			c.fulfillmentPath = fulfillment
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
	baseURL         string
	apiKey          string
	invoicePath     string
	fulfillmentPath string
	http            *http.Client
}

// NewClient creates an ERP client. An empty baseURL selects mock mode.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		invoicePath:     defaultInvoiceEndpoint,
		fulfillmentPath: defaultFulfillmentEndpoint,
		http:            &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.baseURL == "" {
		zap.L().Warn("onec: base url not configured, documents will be mocked")
	}
	return c
}

func (c *httpClient) Mock() bool { return c.baseURL == "" }

func (c *httpClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error) {
	if c.Mock() {
		n := mockNumber(req.DraftNumber, req.LeadID)
		return &InvoiceResult{
			InvoiceNumber:    "INV-" + n,
			InvoicePDFBase64: mockPDF("invoice", n),
		}, nil
	}
	var out InvoiceResult
	if err := c.post(ctx, c.invoicePath, req, &out); err != nil {
		return nil, eris.Wrap(err, "onec: create invoice")
	}
	return &out, nil
}

func (c *httpClient) CreateFulfillment(ctx context.Context, req FulfillmentRequest) (*FulfillmentResult, error) {
	if c.Mock() {
		n := mockNumber(req.DraftNumber, req.LeadID)
		pdf := mockPDF("fulfillment", n)
		return &FulfillmentResult{
			WaybillNumber:    "WB-" + n,
			ActNumber:        "ACT-" + n,
			WaybillPDFBase64: pdf,
			ActPDFBase64:     pdf,
		}, nil
	}
	var out FulfillmentResult
	if err := c.post(ctx, c.fulfillmentPath, req, &out); err != nil {
		return nil, eris.Wrap(err, "onec: create fulfillment")
	}
	return &out, nil
}

func (c *httpClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zap.L().Error("onec: api error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}

func mockNumber(draft string, leadID int64) string {
	switch {
	case draft != "":
		return draft
	case leadID != 0:
		return strconv.FormatInt(leadID, 10)
	default:
		return mockFallbackNumber
	}
}

func mockPDF(docType, number string) string {
	text := fmt.Sprintf("Mock %s document for %s", strings.ToUpper(docType), number)
	return base64.StdEncoding.EncodeToString([]byte(text))
}
