package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/calls"
	"github.com/sells-group/salesops-cli/internal/classify"
	"github.com/sells-group/salesops-cli/internal/email"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
	"github.com/sells-group/salesops-cli/pkg/onec"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	env *appEnv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps configuration errors to 503 and everything else to 500
// with msg as the public detail.
func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if amocrm.IsConfigError(err) || errors.Is(err, email.ErrNotConfigured) || errors.Is(err, classify.ErrNoCompleter) {
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	zap.L().Error(msg,
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeMessage(w, http.StatusInternalServerError, msg)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func leadIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "leadID"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid lead id")
		return 0, false
	}
	return id, true
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	whatsapp := false
	if d, ok := h.env.Notifier.(interface{ Providers() []string }); ok {
		whatsapp = len(d.Providers()) > 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"services": map[string]bool{
			"amocrm":   h.env.Settings.OAuth.Validate() == nil,
			"email":    h.env.Email != nil && (h.env.Email.Configured() || h.env.Email.MockMode()),
			"llm":      h.env.Chain.Len() > 0,
			"onec":     h.env.ERP != nil && !h.env.ERP.Mock(),
			"whatsapp": whatsapp,
		},
	})
}

func (h *handlers) registerInteraction(w http.ResponseWriter, r *http.Request) {
	var in model.Interaction
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Channel) == "" || strings.TrimSpace(in.Message) == "" {
		writeMessage(w, http.StatusBadRequest, "channel and message are required")
		return
	}
	if in.Direction == "" {
		in.Direction = model.DirectionIncoming
	}
	res, err := h.env.Resolver.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, err, "failed to register interaction")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type documentsRequest struct {
	Documents         model.DocumentChecklist `json:"documents"`
	ResponsibleUserID int64                   `json:"responsible_user_id,omitempty"`
}

func (h *handlers) ensureDocuments(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadIDParam(w, r)
	if !ok {
		return
	}
	var req documentsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.env.Settings.OAuth.Validate(); err != nil {
		writeError(w, r, err, "failed to ensure document tasks")
		return
	}
	res, err := h.env.Documents.EnsureTasks(r.Context(), leadID, req.Documents, req.ResponsibleUserID)
	if err != nil {
		writeError(w, r, err, "failed to ensure document tasks")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) checkDocuments(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.env.Documents.CheckFiles(r.Context(), leadID)
	if err != nil {
		writeError(w, r, err, "failed to check documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lead_id":     res.LeadID,
		"files_count": res.FilesCount,
		"checklist":   res.Checklist,
		"complete":    res.Complete,
		"missing":     res.Missing(),
	})
}

func (h *handlers) remindDocuments(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.env.Documents.CheckAndRemind(r.Context(), leadID)
	if err != nil {
		writeError(w, r, err, "failed to check documents")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type proposalRequest struct {
	Amount            *float64 `json:"proposal_amount,omitempty"`
	Text              string   `json:"proposal_text,omitempty"`
	ResponsibleUserID int64    `json:"responsible_user_id,omitempty"`
}

func (h *handlers) proposalSent(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadIDParam(w, r)
	if !ok {
		return
	}
	var req proposalRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.env.Resolver.HandleProposalSent(r.Context(), leadID, req.Amount, req.Text, req.ResponsibleUserID)
	if err != nil {
		writeError(w, r, err, "failed to handle proposal sent")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) slaCheck(w http.ResponseWriter, r *http.Request) {
	var leadID *int64
	if raw := r.URL.Query().Get("lead_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid lead_id")
			return
		}
		leadID = &id
	}
	// The sweeper itself skips silently when amoCRM is unconfigured; an
	// explicit check request reports it instead.
	if err := h.env.Settings.OAuth.Validate(); err != nil {
		writeError(w, r, err, "failed to check SLA")
		return
	}
	report, err := h.env.Sweeper.Sweep(r.Context(), leadID)
	if err != nil {
		writeError(w, r, err, "failed to check SLA")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) processCall(w http.ResponseWriter, r *http.Request) {
	var in calls.CallInput
	if !decode(w, r, &in) {
		return
	}
	if in.Register && (in.Contact == nil || in.Contact.IdentityKey() == "") {
		writeMessage(w, http.StatusBadRequest, "contact email or phone is required to register a call")
		return
	}
	sum, err := h.env.Calls.ProcessAndRegister(r.Context(), in)
	if err != nil {
		writeError(w, r, err, "failed to process call")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type invoiceRequest struct {
	LeadID        int64          `json:"lead_id"`
	CRMContactID  *int64         `json:"crm_contact_id,omitempty"`
	CustomerName  string         `json:"customer_name"`
	CustomerBIN   string         `json:"customer_bin,omitempty"`
	CustomerEmail string         `json:"customer_email,omitempty"`
	CustomerPhone string         `json:"customer_phone,omitempty"`
	DueDate       string         `json:"due_date,omitempty"`
	Currency      string         `json:"currency,omitempty"`
	Items         []onec.Item    `json:"items"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type fulfillmentRequest struct {
	LeadID          int64          `json:"lead_id"`
	CRMContactID    *int64         `json:"crm_contact_id,omitempty"`
	CustomerName    string         `json:"customer_name"`
	CustomerBIN     string         `json:"customer_bin,omitempty"`
	DeliveryAddress string         `json:"delivery_address,omitempty"`
	Documents       map[string]any `json:"documents,omitempty"`
	Items           []onec.Item    `json:"items"`
}

func validateDocument(leadID int64, customer string, items []onec.Item) error {
	if leadID <= 0 {
		return eris.New("lead_id is required")
	}
	if strings.TrimSpace(customer) == "" {
		return eris.New("customer_name is required")
	}
	if len(items) == 0 {
		return eris.New("items are required")
	}
	for _, it := range items {
		if strings.TrimSpace(it.Description) == "" || it.Quantity <= 0 || it.Price <= 0 {
			return eris.New("each item needs a description, positive quantity and price")
		}
	}
	return nil
}

func (h *handlers) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := validateDocument(req.LeadID, req.CustomerName, req.Items); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Currency == "" {
		req.Currency = "KZT"
	}

	res, err := h.env.ERP.CreateInvoice(r.Context(), onec.InvoiceRequest{
		LeadID:       req.LeadID,
		CRMContactID: req.CRMContactID,
		Customer: onec.Customer{
			Name:  req.CustomerName,
			BIN:   req.CustomerBIN,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Currency: req.Currency,
		DueDate:  req.DueDate,
		Items:    req.Items,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err, "invoice creation failed")
		return
	}
	if n := res.DocumentNumber(); n != "" {
		err := h.env.Resolver.RecordGeneratedDocument(r.Context(), req.LeadID, "Счёт", n,
			map[string]any{"Источник": "1C", "Валюта": req.Currency})
		if err != nil {
			writeError(w, r, err, "invoice creation failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": res})
}

func (h *handlers) createFulfillment(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := validateDocument(req.LeadID, req.CustomerName, req.Items); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.env.ERP.CreateFulfillment(r.Context(), onec.FulfillmentRequest{
		LeadID:          req.LeadID,
		CRMContactID:    req.CRMContactID,
		Customer:        onec.Customer{Name: req.CustomerName, BIN: req.CustomerBIN},
		DeliveryAddress: req.DeliveryAddress,
		Documents:       req.Documents,
		Items:           req.Items,
	})
	if err != nil {
		writeError(w, r, err, "fulfillment creation failed")
		return
	}
	for _, doc := range []struct{ kind, number string }{
		{"Накладная", res.WaybillNumber},
		{"Акт", res.ActNumber},
	} {
		if doc.number == "" {
			continue
		}
		if err := h.env.Resolver.RecordGeneratedDocument(r.Context(), req.LeadID, doc.kind, doc.number, nil); err != nil {
			writeError(w, r, err, "fulfillment creation failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": res})
}

type paymentNotification struct {
	LeadID        int64      `json:"lead_id"`
	InvoiceNumber string     `json:"invoice_number"`
	Amount        *float64   `json:"amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	PayerName     string     `json:"payer_name,omitempty"`
	Comment       string     `json:"comment,omitempty"`
}

func (h *handlers) paymentNotification(w http.ResponseWriter, r *http.Request) {
	var req paymentNotification
	if !decode(w, r, &req) {
		return
	}
	if req.LeadID <= 0 || req.InvoiceNumber == "" {
		writeMessage(w, http.StatusBadRequest, "lead_id and invoice_number are required")
		return
	}
	err := h.env.Resolver.RecordPayment(r.Context(), req.LeadID, req.InvoiceNumber, req.Amount, req.Currency, req.PayerName)
	if err != nil {
		writeError(w, r, err, "failed to process payment notification")
		return
	}

	details := map[string]any{"invoice": req.InvoiceNumber}
	if req.Amount != nil {
		details["amount"] = *req.Amount
	}
	if req.Currency != "" {
		details["currency"] = req.Currency
	}
	if req.PaidAt != nil {
		details["paid_at"] = req.PaidAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "details": details})
}
