package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/internal/resilience"
	"github.com/sells-group/salesops-cli/pkg/groq"
)

type stubCompleter struct {
	name  string
	reply string
	err   error

	mu      sync.Mutex
	prompts []Prompt
}

func (s *stubCompleter) Name() string { return s.name }

func (s *stubCompleter) Complete(_ context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
	return s.reply, s.err
}

func (s *stubCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func breakers() resilience.BreakerConfig {
	return resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
}

func TestKeywordDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		subject  string
		body     string
		wantType model.PipelineType
		wantConf float64
	}{
		{"nku", "Изготовление щита", "мощность 50 кВт, IP54", model.PipelineNKU, 0.7},
		{"services", "Ремонт", "нужен выезд на адрес", model.PipelineServices, 0.7},
		{"single service", "Диагностика", "", model.PipelineServices, 0.5},
		{"none", "Счет", "пришлите прайс", model.PipelineSales, 0.5},
		{"tie goes to nku", "НКУ", "монтаж", model.PipelineNKU, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := KeywordDecision(DefaultKeywords(), tt.subject, tt.body)
			assert.Equal(t, tt.wantType, d.Type)
			assert.InDelta(t, tt.wantConf, d.Confidence, 1e-9)
			assert.Equal(t, model.SourceKeywords, d.Source)
		})
	}
}

func TestClassify_NoChainUsesKeywords(t *testing.T) {
	c := New(WithPipelineIDs(func(p model.PipelineType) int64 {
		if p == model.PipelineNKU {
			return 22
		}
		return 11
	}))
	d := c.Classify(context.Background(), "Изготовление НКУ", "мощность 100 кВт, IP54", nil)
	assert.Equal(t, model.PipelineNKU, d.Type)
	assert.GreaterOrEqual(t, d.Confidence, 0.4)
	assert.Equal(t, int64(22), d.PipelineID)
}

func TestClassify_LLM(t *testing.T) {
	stub := &stubCompleter{name: "groq", reply: "```json\n{\"pipeline_type\": \"Services\", \"confidence\": 1.7, \"reason\": \"монтаж\"}\n```"}
	c := New(WithChain(NewChain(breakers(), stub)))

	d := c.Classify(context.Background(), "Вопрос", "текст", map[string]any{"source": "mail"})
	assert.Equal(t, model.PipelineServices, d.Type)
	assert.Equal(t, 1.0, d.Confidence, "confidence is clamped")
	assert.Equal(t, "монтаж", d.Reason)
	assert.Equal(t, model.SourceLLM, d.Source)

	require.Equal(t, 1, stub.calls())
	assert.Equal(t, 0.3, stub.prompts[0].Temperature)
	assert.Contains(t, stub.prompts[0].Text, `"source":"mail"`)
}

func TestClassify_InvalidTypeFallsBack(t *testing.T) {
	stub := &stubCompleter{name: "groq", reply: `{"pipeline_type": "retail", "confidence": 0.9}`}
	c := New(WithChain(NewChain(breakers(), stub)))

	d := c.Classify(context.Background(), "Монтаж", "выезд", nil)
	assert.Equal(t, model.PipelineServices, d.Type)
	assert.Equal(t, model.SourceKeywords, d.Source)
}

func TestClassify_GarbageFallsBack(t *testing.T) {
	stub := &stubCompleter{name: "groq", reply: "sorry, I cannot help"}
	c := New(WithChain(NewChain(breakers(), stub)))

	d := c.Classify(context.Background(), "Прайс", "", nil)
	assert.Equal(t, model.PipelineSales, d.Type)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestChain_FallsThroughAndOpensBreaker(t *testing.T) {
	bad := &stubCompleter{name: "groq", err: errors.New("503")}
	good := &stubCompleter{name: "anthropic", reply: `{"pipeline_type":"nku","confidence":0.8}`}
	ch := NewChain(breakers(), bad, nil, good)
	require.Equal(t, 2, ch.Len())

	for range 3 {
		text, name, err := ch.Complete(context.Background(), Prompt{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, "anthropic", name)
		assert.NotEmpty(t, text)
	}
	assert.Equal(t, 2, bad.calls(), "open breaker skips the failing completer")
	assert.Equal(t, 3, good.calls())
}

func TestGroqCompleter_RetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"pipeline_type\":\"sales\"}"}}]}`))
	}))
	t.Cleanup(srv.Close)

	g := &GroqCompleter{
		Client: groq.NewClient("key", groq.WithBaseURL(srv.URL)),
		Retry:  resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}
	text, err := g.Complete(context.Background(), Prompt{Text: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pipeline_type":"sales"}`, text)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGroqCompleter_NoRetryOnBadRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	g := &GroqCompleter{
		Client: groq.NewClient("key", groq.WithBaseURL(srv.URL)),
		Retry:  resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	}
	_, err := g.Complete(context.Background(), Prompt{Text: "x"})
	var se *groq.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGroqCompleter_PlainTextPrompt(t *testing.T) {
	var got groq.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Добрый день!"}}]}`))
	}))
	t.Cleanup(srv.Close)

	g := &GroqCompleter{Client: groq.NewClient("key", groq.WithBaseURL(srv.URL))}
	text, err := g.Complete(context.Background(), Prompt{Text: "КП", Temperature: 0.18, MaxTokens: 512, PlainText: true})
	require.NoError(t, err)
	assert.Equal(t, "Добрый день!", text)
	assert.Nil(t, got.ResponseFormat)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 512, *got.MaxTokens)
}

func TestChain_AllFail(t *testing.T) {
	ch := NewChain(breakers(), &stubCompleter{name: "a", err: errors.New("boom")}, &stubCompleter{name: "b"})
	_, _, err := ch.Complete(context.Background(), Prompt{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all completers failed")

	_, _, err = NewChain(breakers()).Complete(context.Background(), Prompt{})
	assert.ErrorIs(t, err, ErrNoCompleter)
}

func TestParseObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		key  string
		want any
	}{
		{"direct", `{"pipeline_type":"nku"}`, "pipeline_type", "nku"},
		{"fenced", "Вот ответ:\n```json\n{\"confidence\": 0.6}\n```", "confidence", 0.6},
		{"balanced with prose", `Ответ: {"reason": "скобка } внутри", "x": {"y": 1}} спасибо`, "reason", "скобка } внутри"},
		{"escaped quote", `prefix {"reason": "он сказал \"да\""} suffix`, "reason", `он сказал "да"`},
		{"truncated", `{"pipeline_type": "services", "confidence": 0.7, "reason": "мон`, "confidence", 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			obj, err := ParseObject(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obj[tt.key])
		})
	}
}

func TestParseObject_Fails(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "no json here", "[1,2,3]"} {
		_, err := ParseObject(raw)
		assert.ErrorIs(t, err, ErrParse, raw)
	}
}

func TestRegexFacts(t *testing.T) {
	t.Parallel()
	f := RegexFacts("Заказ", "Нужно 10 шт, бюджет 1500 тенге, итого 2500,50 тг. Срок до 15.03")
	require.NotNil(t, f.TotalAmount)
	assert.InDelta(t, 2500.50, *f.TotalAmount, 1e-9)
	require.Len(t, f.Products, 1)
	assert.Equal(t, 10.0, *f.Products[0].Quantity)
	assert.Equal(t, "Товар", f.Products[0].Name)
	assert.Equal(t, "до 15.03", f.Deadline)
	assert.Equal(t, 0.3, f.Confidence)
	assert.Equal(t, model.SourceRegex, f.Source)

	empty := RegexFacts("", "")
	assert.Nil(t, empty.TotalAmount)
	assert.Empty(t, empty.Products)
}

func TestRegexFacts_GroupedAmountsAndUnitBoundaries(t *testing.T) {
	t.Parallel()

	f := RegexFacts("", "Итого 1 500 000 тенге, 10 минут, срок 15.05.2025")
	require.NotNil(t, f.TotalAmount)
	assert.Equal(t, 1500000.0, *f.TotalAmount)
	assert.Empty(t, f.Products, "minutes are not metres")
	assert.Equal(t, "15.05.2025", f.Deadline)

	f = RegexFacts("", "Кабель 250 м, сумма 12\u00a0400,50 ₸")
	require.NotNil(t, f.TotalAmount)
	assert.InDelta(t, 12400.50, *f.TotalAmount, 1e-9)
	require.Len(t, f.Products, 1)
	assert.Equal(t, 250.0, *f.Products[0].Quantity)

	f = RegexFacts("", "Нужно 3 штуки и 7 тгк")
	assert.Nil(t, f.TotalAmount)
	require.Len(t, f.Products, 1)
	assert.Equal(t, 3.0, *f.Products[0].Quantity)
}

func TestExtract_LLM(t *testing.T) {
	stub := &stubCompleter{name: "groq", reply: `{
		"products": [{"name": "Автомат ВА47", "quantity": "5", "price": 1200, "unit": "шт"}, {"quantity": 1}],
		"total_amount": "6 000",
		"deadline": "null",
		"delivery_address": "Алматы",
		"technical_params": {"ip": "IP54"},
		"confidence": 0.85
	}`}
	c := New(WithChain(NewChain(breakers(), stub)))

	f := c.Extract(context.Background(), "Заявка", "текст", nil)
	require.Len(t, f.Products, 1)
	assert.Equal(t, 5.0, *f.Products[0].Quantity)
	require.NotNil(t, f.TotalAmount)
	assert.Equal(t, 6000.0, *f.TotalAmount)
	assert.Empty(t, f.Deadline)
	assert.Equal(t, "Алматы", f.DeliveryAddress)
	assert.Equal(t, "IP54", f.TechnicalParams["ip"])
	assert.Equal(t, model.SourceLLM, f.Source)
	assert.Equal(t, 0.2, stub.prompts[0].Temperature)
}

func TestExtract_FailureUsesRegex(t *testing.T) {
	stub := &stubCompleter{name: "groq", err: errors.New("timeout")}
	c := New(WithChain(NewChain(breakers(), stub)))

	f := c.Extract(context.Background(), "", "итого 300 руб", nil)
	assert.Equal(t, model.SourceRegex, f.Source)
	require.NotNil(t, f.TotalAmount)
	assert.Equal(t, 300.0, *f.TotalAmount)
}

func TestLoadKeywords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nku:\n  - Щит ВРУ\n"), 0o600))

	kw, err := LoadKeywords(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"щит вру"}, kw.NKU)
	assert.Equal(t, DefaultKeywords().Services, kw.Services)

	_, err = LoadKeywords(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExtractContact(t *testing.T) {
	t.Parallel()

	h := ExtractContact("Добрый день, ТОО «Энергосервис», звоните +7 (701) 123-45-67")
	assert.Equal(t, "+77011234567", h.Phone)
	assert.Equal(t, "Энергосервис", h.Company)

	h = ExtractContact("тел 8 777 555 44 33, от Иван Петров")
	assert.Equal(t, "87775554433", h.Phone)
	assert.Equal(t, "Иван Петров", h.Company)

	assert.Equal(t, ContactHint{}, ExtractContact("нет данных"))
}
