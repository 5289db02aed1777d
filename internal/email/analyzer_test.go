package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesops-cli/internal/classify"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/internal/resilience"
)

var t0 = time.Date(2025, 11, 26, 12, 0, 0, 0, time.UTC)

type fixedCompleter struct {
	reply  string
	err    error
	prompt classify.Prompt
}

func (f *fixedCompleter) Name() string { return "groq" }

func (f *fixedCompleter) Complete(_ context.Context, p classify.Prompt) (string, error) {
	f.prompt = p
	return f.reply, f.err
}

func chainOf(c classify.Completer) *classify.Chain {
	return classify.NewChain(resilience.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}, c)
}

type fakeFetcher struct {
	msgs  []Message
	err   error
	limit int
}

func (f *fakeFetcher) Fetch(_ context.Context, limit int) ([]Message, error) {
	f.limit = limit
	return f.msgs, f.err
}

type fakeRegistrar struct {
	got  []model.Interaction
	fail map[string]bool
}

func (f *fakeRegistrar) Register(_ context.Context, in model.Interaction) (*model.RegisterResult, error) {
	f.got = append(f.got, in)
	if f.fail[in.SourceID] {
		return nil, errors.New("crm down")
	}
	return &model.RegisterResult{ContactID: 1, LeadID: int64(len(f.got)), PipelineType: model.PipelineSales}, nil
}

func TestClassify_LLM(t *testing.T) {
	c := &fixedCompleter{reply: "Вот ответ:\n```json\n" + `{
		"suitable_for_proposal": true,
		"confidence": 1.7,
		"reason": "Запрос на поставку АВР",
		"category": "inquiry",
		"potential_services": ["поставка", "", "монтаж"]
	}` + "\n```"}
	a := New(chainOf(c))

	got := a.Classify(context.Background(), "Запрос на АВР", "Иван <ivan@company.kz>", "Нужен АВР 630А")
	assert.True(t, got.SuitableForProposal)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, "inquiry", got.Category)
	assert.Equal(t, []string{"поставка", "монтаж"}, got.PotentialServices)
	assert.Equal(t, "groq", got.Source)

	assert.Equal(t, 0.12, c.prompt.Temperature)
	assert.Equal(t, 512, c.prompt.MaxTokens)
	assert.False(t, c.prompt.PlainText)
	assert.Contains(t, c.prompt.Text, "Отправитель: Иван <ivan@company.kz>")
}

func TestClassify_StringyFields(t *testing.T) {
	c := &fixedCompleter{reply: `{"suitable_for_proposal":"true","confidence":"0.4"}`}
	got := New(chainOf(c)).Classify(context.Background(), "s", "f", "b")
	assert.True(t, got.SuitableForProposal)
	assert.Equal(t, 0.4, got.Confidence)
	assert.Equal(t, "other", got.Category)
	assert.Empty(t, got.PotentialServices)
}

func TestClassify_FallsBackToKeywords(t *testing.T) {
	tests := []struct {
		name  string
		chain *classify.Chain
	}{
		{"no chain", nil},
		{"completion error", chainOf(&fixedCompleter{err: errors.New("503")})},
		{"unparseable", chainOf(&fixedCompleter{reply: "не знаю"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.chain).Classify(context.Background(), "Запрос цены", "a@b.kz", "Пришлите прайс")
			assert.True(t, got.SuitableForProposal)
			assert.Equal(t, "inquiry", got.Category)
			assert.Equal(t, model.SourceKeywords, got.Source)
			assert.Equal(t, 0.5, got.Confidence)
		})
	}
}

func TestKeywordClassification(t *testing.T) {
	spam := KeywordClassification("Рассылка", "no-reply@shop.kz", "Новая рассылка")
	assert.False(t, spam.SuitableForProposal)
	assert.Equal(t, "spam", spam.Category)

	other := KeywordClassification("Привет", "", "Как дела?")
	assert.False(t, other.SuitableForProposal)
	assert.Equal(t, "other", other.Category)
	assert.Equal(t, 0.3, other.Confidence)
}

func TestProposal(t *testing.T) {
	c := &fixedCompleter{reply: "## Коммерческое предложение\n\n**АВР 630А**: *2 шт*\nЦена по запросу #"}
	a := New(chainOf(c))

	text, err := a.Proposal(context.Background(), "Запрос на АВР", "Нужен АВР")
	require.NoError(t, err)
	assert.Equal(t, "Коммерческое предложение\n\nАВР 630А: 2 шт\nЦена по запросу", text)
	assert.True(t, c.prompt.PlainText)
	assert.Equal(t, 0.18, c.prompt.Temperature)
	assert.Contains(t, c.prompt.Text, "Тема: Запрос на АВР")
	assert.Contains(t, c.prompt.Text, "Текст запроса: Нужен АВР")
}

func TestProposal_NoCompleter(t *testing.T) {
	_, err := New(nil).Proposal(context.Background(), "s", "b")
	assert.ErrorIs(t, err, classify.ErrNoCompleter)
}

func TestFetch_MockMode(t *testing.T) {
	a := New(nil, WithMockMode(true), WithClock(func() time.Time { return t0 }))
	assert.True(t, a.MockMode())
	assert.False(t, a.Configured())

	all, err := a.Fetch(context.Background(), 7, false)
	require.NoError(t, err)
	require.Len(t, all, 7)
	assert.Equal(t, "mock_1", all[0].ID)
	assert.Equal(t, "Запрос на АВР Stalker Electric 630А", all[0].Subject)
	assert.Equal(t, "2025-11-26 11:00:00", all[0].Date)
	assert.Equal(t, all[0].Subject, all[5].Subject, "templates cycle")

	relevant, err := a.Fetch(context.Background(), 5, true)
	require.NoError(t, err)
	for _, m := range relevant {
		assert.Equal(t, CategoryPotential, m.NLPCategory)
	}
	assert.NotEmpty(t, relevant)
	assert.Less(t, len(relevant), 5)
}

func TestFetch_NotConfigured(t *testing.T) {
	a := New(nil)
	_, err := a.Fetch(context.Background(), 5, false)
	assert.ErrorIs(t, err, ErrNotConfigured)

	a.SetMockMode(true)
	msgs, err := a.Fetch(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Len(t, msgs, defaultLimit)
}

func TestFetch_UsesFetcher(t *testing.T) {
	f := &fakeFetcher{msgs: []Message{
		newMessage("3", "Запрос КП", "a@b.kz", "", "Нужен расчет"),
		newMessage("2", "Рассылка", "news@b.kz", "", "unsubscribe"),
	}}
	a := New(nil, WithFetcher(f))
	assert.True(t, a.Configured())

	msgs, err := a.Fetch(context.Background(), 1000, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "3", msgs[0].ID)
	assert.Equal(t, maxLimit, f.limit)

	f.err = errors.New("connection reset")
	_, err = a.Fetch(context.Background(), 5, false)
	assert.ErrorContains(t, err, "fetch inbox")
}

func TestIngest(t *testing.T) {
	f := &fakeFetcher{msgs: []Message{
		newMessage("10", "Запрос цены", "Айгуль Сейтова <Aigul@Example.kz>", "", "Пришлите прайс на кабель"),
		newMessage("9", "Запрос", "not an address", "", "запрос"),
		newMessage("8", "Договор поставки", "buyer@example.kz", "", "Прошу договор"),
		newMessage("7", "Привет", "friend@example.kz", "", "Как дела?"),
	}}
	reg := &fakeRegistrar{fail: map[string]bool{"8": true}}
	a := New(nil, WithFetcher(f), WithRegistrar(reg))

	res, err := a.Ingest(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched, "only potential messages are considered")
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Registered, 1)
	assert.Equal(t, "10", res.Registered[0].MessageID)

	require.Len(t, reg.got, 2)
	in := reg.got[0]
	assert.Equal(t, model.ChannelEmail, in.Channel)
	assert.Equal(t, model.DirectionIncoming, in.Direction)
	assert.Equal(t, "10", in.SourceID)
	assert.Equal(t, "Пришлите прайс на кабель", in.Message)
	assert.Equal(t, model.Contact{Name: "Айгуль Сейтова", Email: "aigul@example.kz"}, in.Contact)
}

func TestIngest_NoRegistrar(t *testing.T) {
	_, err := New(nil, WithMockMode(true)).Ingest(context.Background(), 5)
	assert.ErrorContains(t, err, "registrar")
}

func TestContactFromSender(t *testing.T) {
	c, ok := ContactFromSender("buyer@example.kz")
	require.True(t, ok)
	assert.Equal(t, "buyer@example.kz", c.Name)

	_, ok = ContactFromSender("")
	assert.False(t, ok)
}

func TestNewMessage_Preview(t *testing.T) {
	body := ""
	for range 400 {
		body += "я"
	}
	m := newMessage("1", "Запрос", "a@b.kz", "", body)
	assert.Len(t, []rune(m.BodyPreview), previewRunes)
	assert.Equal(t, body, m.FullBody)
	assert.Equal(t, CategoryPotential, m.NLPCategory)
}
