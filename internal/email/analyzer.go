// Package email reads the sales inbox, screens messages for commercial
// intent, drafts proposal replies and files promising messages in the CRM.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/classify"
	"github.com/sells-group/salesops-cli/internal/model"
)

const (
	previewRunes    = 300
	promptBodyRunes = 4000
	defaultLimit    = 20
	maxLimit        = 200
)

// ErrNotConfigured is returned by Fetch when no inbox is configured and mock
// mode is off.
var ErrNotConfigured = eris.New("email: IMAP configuration is incomplete")

// Message is one inbox message as listed to callers.
type Message struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Sender      string `json:"sender"`
	Date        string `json:"date"`
	BodyPreview string `json:"bodyPreview"`
	FullBody    string `json:"fullBody"`
	NLPCategory string `json:"nlpCategory"`
}

func newMessage(id, subject, sender, date, body string) Message {
	return Message{
		ID:          id,
		Subject:     subject,
		Sender:      sender,
		Date:        date,
		BodyPreview: truncate(body, previewRunes),
		FullBody:    body,
		NLPCategory: Filter(subject, sender, body),
	}
}

// Classification says whether a message deserves a commercial proposal.
type Classification struct {
	SuitableForProposal bool     `json:"suitable_for_proposal"`
	Confidence          float64  `json:"confidence"`
	Reason              string   `json:"reason"`
	Category            string   `json:"category"`
	PotentialServices   []string `json:"potential_services"`
	Source              string   `json:"source"`
}

// Fetcher lists the newest inbox messages, newest first.
type Fetcher interface {
	Fetch(ctx context.Context, limit int) ([]Message, error)
}

// Registrar files an interaction in the CRM.
type Registrar interface {
	Register(ctx context.Context, in model.Interaction) (*model.RegisterResult, error)
}

// Analyzer ties the inbox, the completion chain and the CRM together.
type Analyzer struct {
	chain     *classify.Chain
	fetcher   Fetcher
	registrar Registrar
	mock      atomic.Bool
	now       func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithFetcher sets the inbox source.
func WithFetcher(f Fetcher) Option {
	return func(a *Analyzer) { a.fetcher = f }
}

// WithRegistrar enables Ingest.
func WithRegistrar(r Registrar) Option {
	return func(a *Analyzer) { a.registrar = r }
}

// WithMockMode starts the analyzer serving template messages.
func WithMockMode(on bool) Option {
	return func(a *Analyzer) { a.mock.Store(on) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New creates an Analyzer. A nil or empty chain leaves classification to the
// keyword filter and disables proposals.
func New(chain *classify.Chain, opts ...Option) *Analyzer {
	a := &Analyzer{chain: chain, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetMockMode switches between the real inbox and template messages.
func (a *Analyzer) SetMockMode(on bool) {
	a.mock.Store(on)
	zap.L().Info("email: mock mode changed", zap.Bool("enabled", on))
}

// MockMode reports whether template messages are served.
func (a *Analyzer) MockMode() bool { return a.mock.Load() }

// Configured reports whether a real inbox is available.
func (a *Analyzer) Configured() bool { return a.fetcher != nil }

// Fetch lists up to limit messages, newest first. With relevantOnly only
// messages the keyword filter marks as potential are returned.
func (a *Analyzer) Fetch(ctx context.Context, limit int, relevantOnly bool) ([]Message, error) {
	limit = clampLimit(limit)

	var (
		msgs []Message
		err  error
	)
	switch {
	case a.MockMode():
		msgs = mockMessages(limit, a.now())
	case a.fetcher == nil:
		return nil, ErrNotConfigured
	default:
		msgs, err = a.fetcher.Fetch(ctx, limit)
		if err != nil {
			return nil, eris.Wrap(err, "email: fetch inbox")
		}
	}

	if !relevantOnly {
		return msgs, nil
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.NLPCategory == CategoryPotential {
			out = append(out, m)
		}
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

const classifyPrompt = `Проанализируй письмо и определи, подходит ли оно для отправки коммерческого предложения.
Тема письма: %s
Отправитель: %s
Содержание письма:
%s

Определи следующие критерии:
1. Является ли это потенциальным запросом на услуги/товары?
2. Содержит ли письмо признаки коммерческого интереса?
3. Не является ли это спамом, рекламой или автоматическим уведомлением?
4. Подходит ли тон письма для деловой переписки?

Ответь в формате JSON:{
    "suitable_for_proposal": true/false,
    "confidence": 0.0-1.0,
    "reason": "краткое объяснение решения",
    "category": "inquiry/spam/notification/other",
    "potential_services": ["список возможных услуг если подходит"]
}`

const proposalPrompt = `Составь краткое коммерческое предложение (КП) для ответа на это письмо.
ВАЖНО: Пиши обычным текстом БЕЗ markdown-разметки. Не используй символы **, ##, # для форматирования.
Используй только простой текст с переносами строк.

Тема: %s
Текст запроса: %s
`

// Classify asks the completion chain whether the message is worth a
// proposal. Any completion or parse failure falls back to the keyword
// filter, so Classify never fails.
func (a *Analyzer) Classify(ctx context.Context, subject, sender, body string) Classification {
	if a.chain.Len() > 0 {
		if c, ok := a.classifyLLM(ctx, subject, sender, body); ok {
			return c
		}
	}
	return KeywordClassification(subject, sender, body)
}

func (a *Analyzer) classifyLLM(ctx context.Context, subject, sender, body string) (Classification, bool) {
	raw, name, err := a.chain.Complete(ctx, classify.Prompt{
		Text:        fmt.Sprintf(classifyPrompt, subject, sender, truncate(body, promptBodyRunes)),
		Temperature: 0.12,
		MaxTokens:   512,
	})
	if err != nil {
		zap.L().Warn("email: classification completion failed, using keywords", zap.Error(err))
		return Classification{}, false
	}
	obj, err := classify.ParseObject(raw)
	if err != nil {
		zap.L().Warn("email: classification response unparseable, using keywords", zap.String("completer", name))
		return Classification{}, false
	}

	c := Classification{
		SuitableForProposal: truthy(obj["suitable_for_proposal"]),
		Confidence:          confidence(obj["confidence"]),
		Reason:              strings.TrimSpace(stringOf(obj["reason"])),
		Category:            strings.TrimSpace(stringOf(obj["category"])),
		PotentialServices:   stringList(obj["potential_services"]),
		Source:              name,
	}
	if c.Category == "" {
		c.Category = "other"
	}
	return c, true
}

// KeywordClassification maps the keyword filter onto a classification.
func KeywordClassification(subject, sender, body string) Classification {
	c := Classification{
		PotentialServices: []string{},
		Source:            model.SourceKeywords,
	}
	switch Filter(subject, sender, body) {
	case CategoryPotential:
		c.SuitableForProposal = true
		c.Confidence = 0.5
		c.Category = "inquiry"
		c.Reason = "найдены признаки коммерческого запроса"
	case CategorySpam:
		c.Confidence = 0.5
		c.Category = "spam"
		c.Reason = "найдены признаки рассылки или автоматического уведомления"
	default:
		c.Confidence = 0.3
		c.Category = "other"
		c.Reason = "признаков коммерческого запроса не найдено"
	}
	return c
}

// Proposal drafts a plain-text commercial proposal answering the message.
// It returns classify.ErrNoCompleter when no completion capability is set up.
func (a *Analyzer) Proposal(ctx context.Context, subject, body string) (string, error) {
	raw, name, err := a.chain.Complete(ctx, classify.Prompt{
		Text:        fmt.Sprintf(proposalPrompt, subject, truncate(body, promptBodyRunes)),
		Temperature: 0.18,
		MaxTokens:   512,
		PlainText:   true,
	})
	if err != nil {
		return "", err
	}
	zap.L().Debug("email: proposal drafted", zap.String("completer", name))
	return CleanMarkdown(raw), nil
}

// IngestResult reports one Ingest run.
type IngestResult struct {
	Fetched    int             `json:"fetched"`
	Registered []IngestedEmail `json:"registered"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
}

// IngestedEmail links a message to the CRM records it produced.
type IngestedEmail struct {
	MessageID string                `json:"message_id"`
	Subject   string                `json:"subject"`
	Result    *model.RegisterResult `json:"result"`
}

// Ingest files every potential message as an incoming email interaction.
// Messages without a parseable sender address are skipped; a registration
// failure is logged and counted, and the run continues.
func (a *Analyzer) Ingest(ctx context.Context, limit int) (*IngestResult, error) {
	if a.registrar == nil {
		return nil, eris.New("email: ingest requires a registrar")
	}
	msgs, err := a.Fetch(ctx, limit, true)
	if err != nil {
		return nil, err
	}

	res := &IngestResult{Fetched: len(msgs), Registered: []IngestedEmail{}}
	for _, m := range msgs {
		contact, ok := ContactFromSender(m.Sender)
		if !ok {
			res.Skipped++
			continue
		}
		reg, err := a.registrar.Register(ctx, model.Interaction{
			Channel:   model.ChannelEmail,
			Subject:   m.Subject,
			Message:   m.FullBody,
			Contact:   contact,
			SourceID:  m.ID,
			Direction: model.DirectionIncoming,
			Metadata:  map[string]any{"sender": m.Sender, "date": m.Date},
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			zap.L().Warn("email: register message failed",
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			res.Failed++
			continue
		}
		res.Registered = append(res.Registered, IngestedEmail{MessageID: m.ID, Subject: m.Subject, Result: reg})
	}

	zap.L().Info("email: inbox ingested",
		zap.Int("fetched", res.Fetched),
		zap.Int("registered", len(res.Registered)),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// ContactFromSender parses an RFC 5322 From value into a contact.
func ContactFromSender(sender string) (model.Contact, bool) {
	addr, err := mail.ParseAddress(strings.TrimSpace(sender))
	if err != nil || addr.Address == "" {
		return model.Contact{}, false
	}
	name := strings.TrimSpace(addr.Name)
	if name == "" {
		name = addr.Address
	}
	return model.Contact{Name: name, Email: strings.ToLower(addr.Address)}, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}

func confidence(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return max(0, min(f, 1))
}

func stringList(v any) []string {
	out := []string{}
	items, _ := v.([]any)
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
