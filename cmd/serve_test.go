package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/notify/notifytest"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
	"github.com/sells-group/salesops-cli/pkg/amocrm/amocrmtest"
)

func testConfig() *config.Config {
	return &config.Config{
		AmoCRM: config.AmoCRMConfig{
			BaseURL:      "https://example.amocrm.ru",
			ClientID:     "id",
			ClientSecret: "secret",
			RedirectURI:  "https://example.com/cb",
			PipelineID:   11,
			LeadStatusID: 501,
		},
	}
}

type testServer struct {
	handler  http.Handler
	fake     *amocrmtest.Fake
	recorder *notifytest.Recorder
}

func newTestServer(t *testing.T, c *config.Config) *testServer {
	t.Helper()
	fake := amocrmtest.New()
	rec := &notifytest.Recorder{}
	env := newAppEnv(c, fake, rec, nil)
	return &testServer{handler: newRouter(env, nil), fake: fake, recorder: rec}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func noteTexts(f *amocrmtest.Fake, leadID int64) []string {
	var out []string
	for _, n := range f.NotesFor(leadID) {
		out = append(out, n.Params.Text)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	services := body["services"].(map[string]any)
	assert.Equal(t, true, services["amocrm"])
	assert.Equal(t, false, services["llm"])
	assert.Equal(t, false, services["onec"])
	assert.Equal(t, false, services["whatsapp"])
}

func TestRegisterInteraction(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/crm/interactions", `{
		"channel": "email",
		"subject": "Запрос цены",
		"message": "Пришлите прайс, бюджет 1500 тенге",
		"contact": {"name": "Айгуль", "email": "aigul@example.kz"}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotZero(t, body["contact_id"])
	assert.NotZero(t, body["lead_id"])
	assert.Equal(t, "sales", body["pipeline_type"])
}

func TestRegisterInteraction_BadRequests(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"channel":`, "invalid request body"},
		{"missing message", `{"channel":"email","contact":{"email":"a@b.kz"}}`, "channel and message are required"},
		{"blank channel", `{"channel":"  ","message":"hi"}`, "channel and message are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, "/api/crm/interactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.want, body["error"])
		})
	}
	assert.Zero(t, s.fake.CallCount("CreateContact"))
}

func TestRegisterInteraction_NotConfigured(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	w, body := s.do(t, http.MethodPost, "/api/crm/interactions",
		`{"channel":"email","message":"hi","contact":{"email":"a@b.kz"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestInvalidLeadID(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, path := range []string{
		"/api/crm/leads/abc/documents/check",
		"/api/crm/leads/0/documents/check",
		"/api/crm/leads/-4/documents/check",
	} {
		w, body := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "invalid lead id", body["error"], path)
	}
}

func TestDocuments_EnsureCheckRemind(t *testing.T) {
	s := newTestServer(t, testConfig())
	leadID := s.fake.AddLead(amocrm.Lead{Name: "Поставка", PipelineID: 11})
	s.fake.Files[leadID] = []amocrm.File{{Name: "Коммерческое предложение.pdf"}}

	w, body := s.do(t, http.MethodPost, "/api/crm/leads/"+itoa(leadID)+"/documents",
		`{"documents":{"proposal_sent":true}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, body["created"], 3)
	assert.Len(t, s.fake.TasksFor(leadID), 3)

	// Second call finds the open tasks and creates nothing.
	w, body = s.do(t, http.MethodPost, "/api/crm/leads/"+itoa(leadID)+"/documents",
		`{"documents":{"proposal_sent":true}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["created"])
	assert.Len(t, s.fake.TasksFor(leadID), 3)

	w, body = s.do(t, http.MethodGet, "/api/crm/leads/"+itoa(leadID)+"/documents/check", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["files_count"])
	assert.Equal(t, false, body["complete"])
	assert.NotEmpty(t, body["missing"])

	w, body = s.do(t, http.MethodPost, "/api/crm/leads/"+itoa(leadID)+"/documents/remind", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reminder_sent", body["status"])
	assert.Equal(t, 1, s.recorder.Count(false))

	// Within the cool-down the reminder is suppressed.
	w, body = s.do(t, http.MethodPost, "/api/crm/leads/"+itoa(leadID)+"/documents/remind", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "suppressed", body["status"])
	assert.Equal(t, 1, s.recorder.Count(false))
}

func TestSLACheck(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/crm/sla/check?lead_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid lead_id", body["error"])

	leadID := s.fake.AddLead(amocrm.Lead{Name: "Поставка", PipelineID: 11})
	w, body = s.do(t, http.MethodPost, "/api/crm/sla/check?lead_id="+itoa(leadID), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, body["run_id"])
	assert.EqualValues(t, 0, body["checked"])
}

func TestSLACheck_NotConfigured(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	w, body := s.do(t, http.MethodPost, "/api/crm/sla/check", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["error"], "base_url is not configured")

	w, _ = s.do(t, http.MethodPost, "/api/crm/sla/check?lead_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessCall(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/crm/calls/process",
		`{"recording_url":"https://pbx.example.kz/rec/1.mp3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Транскрипция недоступна", body["summary"])
	assert.Nil(t, body["registered"])

	w, body = s.do(t, http.MethodPost, "/api/crm/calls/process", `{
		"transcription_text": "Клиент просит 20 шт\nСрок 5 дней\nЦена 40000 тенге",
		"register": true,
		"contact": {"name": "Ерлан", "phone": "+77011234567"}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "regex", body["source"])
	registered := body["registered"].(map[string]any)
	assert.NotZero(t, registered["lead_id"])
}

func TestProcessCall_RegisterNeedsContact(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/crm/calls/process",
		`{"transcription_text":"Привет","register":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "contact")
}

func TestCreateInvoice_MockRecordsNote(t *testing.T) {
	s := newTestServer(t, testConfig())
	leadID := s.fake.AddLead(amocrm.Lead{Name: "Поставка", PipelineID: 11})

	w, body := s.do(t, http.MethodPost, "/api/integrations/1c/invoices", `{
		"lead_id": `+itoa(leadID)+`,
		"customer_name": "ТОО Ромашка",
		"items": [{"description": "Кабель", "quantity": 10, "price": 1200}]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	invoice := body["invoice"].(map[string]any)
	assert.Equal(t, "INV-"+itoa(leadID), invoice["invoiceNumber"])

	notes := noteTexts(s.fake, leadID)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "Счёт №INV-"+itoa(leadID))
	assert.Contains(t, notes[0], "Валюта: KZT")
}

func TestCreateInvoice_Validation(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"no lead", `{"customer_name":"A","items":[{"description":"x","quantity":1,"price":1}]}`, "lead_id is required"},
		{"no customer", `{"lead_id":5,"items":[{"description":"x","quantity":1,"price":1}]}`, "customer_name is required"},
		{"no items", `{"lead_id":5,"customer_name":"A"}`, "items are required"},
		{"zero quantity", `{"lead_id":5,"customer_name":"A","items":[{"description":"x","quantity":0,"price":1}]}`, "each item needs a description, positive quantity and price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, "/api/integrations/1c/invoices", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.want, body["error"])
		})
	}
}

func TestCreateFulfillment_RecordsBothDocuments(t *testing.T) {
	s := newTestServer(t, testConfig())
	leadID := s.fake.AddLead(amocrm.Lead{Name: "Поставка", PipelineID: 11})

	w, body := s.do(t, http.MethodPost, "/api/integrations/1c/fulfillment", `{
		"lead_id": `+itoa(leadID)+`,
		"customer_name": "ТОО Ромашка",
		"delivery_address": "Алматы, Абая 1",
		"items": [{"description": "Кабель", "quantity": 10, "price": 1200}]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	docs := body["documents"].(map[string]any)
	assert.Equal(t, "WB-"+itoa(leadID), docs["waybillNumber"])
	assert.Equal(t, "ACT-"+itoa(leadID), docs["actNumber"])

	notes := noteTexts(s.fake, leadID)
	require.Len(t, notes, 2)
	assert.Contains(t, notes[0], "Накладная")
	assert.Contains(t, notes[1], "Акт")
}

func TestPaymentNotification(t *testing.T) {
	s := newTestServer(t, testConfig())
	leadID := s.fake.AddLead(amocrm.Lead{Name: "Поставка", PipelineID: 11})

	w, body := s.do(t, http.MethodPost, "/api/integrations/1c/payment-notification", `{
		"lead_id": `+itoa(leadID)+`,
		"invoice_number": "000123",
		"amount": 12000,
		"currency": "KZT",
		"paid_at": "2025-04-01T10:00:00Z",
		"payer_name": "ТОО Ромашка"
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", body["status"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "000123", details["invoice"])
	assert.Equal(t, "2025-04-01T10:00:00Z", details["paid_at"])

	notes := noteTexts(s.fake, leadID)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "Оплата по счёту №000123 получена")
	assert.Contains(t, notes[0], "Плательщик: ТОО Ромашка")

	w, body = s.do(t, http.MethodPost, "/api/integrations/1c/payment-notification", `{"lead_id": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "lead_id and invoice_number are required", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodOptions, "/api/crm/interactions", nil)
	req.Header.Set("Origin", "https://crm.example.kz")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEmails_NotConfigured(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodGet, "/api/emails", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["error"], "IMAP configuration is incomplete")

	w, body = s.do(t, http.MethodGet, "/api/emails/mock-mode", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["mock_mode"])
	assert.Equal(t, false, body["configured"])
}

func TestEmails_MockModeToggle(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/emails/mock-mode?enabled=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["mock_mode"])

	w, body = s.do(t, http.MethodGet, "/api/emails?limit=5&relevant_only=false", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 5, body["count"])
	emails := body["emails"].([]any)
	first := emails[0].(map[string]any)
	assert.Equal(t, "mock_1", first["id"])
	assert.NotEmpty(t, first["bodyPreview"])

	w, body = s.do(t, http.MethodGet, "/api/emails?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"], "relevant_only defaults to true")

	w, body = s.do(t, http.MethodPost, "/api/emails/mock-mode", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["mock_mode"])

	w, _ = s.do(t, http.MethodPost, "/api/emails/mock-mode", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/emails?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmails_ClassifyKeywordFallback(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/emails/classify",
		`{"subject":"Запрос цены","sender":"a@b.kz","body":"Пришлите прайс на кабель"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	c := body["classification"].(map[string]any)
	assert.Equal(t, true, c["suitable_for_proposal"])
	assert.Equal(t, "inquiry", c["category"])
	assert.Equal(t, "keywords", c["source"])

	w, _ = s.do(t, http.MethodPost, "/api/emails/classify", `{"sender":"a@b.kz"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmails_ProposalWithoutCompleter(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := s.do(t, http.MethodPost, "/api/emails/proposal", `{"subject":"Запрос","body":"Нужен АВР"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["error"], "no completer")

	w, _ = s.do(t, http.MethodPost, "/api/emails/proposal", `{"subject":"Запрос"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmails_IngestRegistersPotentialMessages(t *testing.T) {
	c := testConfig()
	c.Email.Mock = true
	s := newTestServer(t, c)

	w, body := s.do(t, http.MethodPost, "/api/emails/ingest?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, body["fetched"])
	assert.EqualValues(t, 0, body["failed"])
	registered := body["registered"].([]any)
	require.Len(t, registered, 2)
	first := registered[0].(map[string]any)
	assert.Equal(t, "mock_1", first["message_id"])
	result := first["result"].(map[string]any)
	assert.NotZero(t, result["lead_id"])
	assert.Equal(t, 2, s.fake.CallCount("CreateContact"))
}

func TestEmails_IngestNotConfigured(t *testing.T) {
	c := &config.Config{}
	c.Email.Mock = true
	s := newTestServer(t, c)

	w, _ := s.do(t, http.MethodPost, "/api/emails/ingest", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, s.fake.CallCount("CreateContact"))
}
