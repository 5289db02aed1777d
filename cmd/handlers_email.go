package main

import (
	"net/http"
	"strconv"
	"strings"
)

func (h *handlers) listEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	relevantOnly := true
	if raw := q.Get("relevant_only"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid relevant_only")
			return
		}
		relevantOnly = b
	}

	msgs, err := h.env.Email.Fetch(r.Context(), limit, relevantOnly)
	if err != nil {
		writeError(w, r, err, "failed to fetch emails")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"emails":    msgs,
		"count":     len(msgs),
		"mock_mode": h.env.Email.MockMode(),
	})
}

type emailRequest struct {
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
}

func (h *handlers) classifyEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		writeMessage(w, http.StatusBadRequest, "subject or body is required")
		return
	}
	c := h.env.Email.Classify(r.Context(), req.Subject, req.Sender, req.Body)
	writeJSON(w, http.StatusOK, map[string]any{"classification": c})
}

func (h *handlers) emailProposal(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeMessage(w, http.StatusBadRequest, "body is required")
		return
	}
	text, err := h.env.Email.Proposal(r.Context(), req.Subject, req.Body)
	if err != nil {
		writeError(w, r, err, "failed to generate proposal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proposal": text})
}

func (h *handlers) emailMockMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mock_mode":  h.env.Email.MockMode(),
		"configured": h.env.Email.Configured(),
	})
}

// setEmailMockMode accepts ?enabled= or a {"enabled": bool} body.
func (h *handlers) setEmailMockMode(w http.ResponseWriter, r *http.Request) {
	var enabled bool
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid enabled")
			return
		}
		enabled = b
	} else {
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			writeMessage(w, http.StatusBadRequest, "enabled is required")
			return
		}
		enabled = *req.Enabled
	}

	h.env.Email.SetMockMode(enabled)
	msg := "mock mode disabled, reading the configured inbox"
	if enabled {
		msg = "mock mode enabled, serving template emails"
	}
	writeJSON(w, http.StatusOK, map[string]any{"mock_mode": enabled, "message": msg})
}

func (h *handlers) ingestEmails(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if err := h.env.Settings.OAuth.Validate(); err != nil {
		writeError(w, r, err, "failed to ingest emails")
		return
	}
	res, err := h.env.Email.Ingest(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, "failed to ingest emails")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
