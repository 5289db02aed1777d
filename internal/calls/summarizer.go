// Package calls summarizes phone call transcripts and can file the call in
// the CRM as an interaction.
package calls

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/classify"
	"github.com/sells-group/salesops-cli/internal/model"
)

const (
	transcriptMaxRunes = 3000
	fallbackMaxRunes   = 200
	fallbackLines      = 3

	// UnavailableSummary is returned when there is no transcript to work on.
	UnavailableSummary = "Транскрипция недоступна"
	missingSummary     = "Резюме недоступно"
)

const summaryPrompt = `Создай краткое резюме телефонного разговора (3-5 строк):

Транскрипция:
%s
%s
Извлеки:
1. Основная тема разговора
2. Упомянутые цифры (цены, количества, сроки)
3. Договорённости
4. Задачи/действия

Ответь ТОЛЬКО в формате JSON:
{
  "summary": "краткое резюме 3-5 строк",
  "topics": ["тема1", "тема2"],
  "numbers": {"price": число, "quantity": число, "deadline": "дата"},
  "agreements": ["договорённость1"],
  "action_items": ["действие1", "действие2"]
}`

// CallInput describes one processed call. Speech-to-text is not performed:
// a recording without a transcript yields the unavailable summary.
type CallInput struct {
	RecordingURL  string         `json:"recording_url,omitempty"`
	Transcription string         `json:"transcription_text,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Contact and Register control filing the call as a CRM interaction.
	Contact           *model.Contact `json:"contact,omitempty"`
	Register          bool           `json:"register,omitempty"`
	ResponsibleUserID int64          `json:"responsible_user_id,omitempty"`
}

// CallSummary is the structured result for one call.
type CallSummary struct {
	Transcription string                `json:"transcription"`
	Summary       string                `json:"summary"`
	Topics        []string              `json:"topics"`
	Numbers       map[string]any        `json:"numbers"`
	Agreements    []string              `json:"agreements"`
	ActionItems   []string              `json:"action_items"`
	Source        string                `json:"source"`
	Registered    *model.RegisterResult `json:"registered,omitempty"`
}

// Registrar files an interaction in the CRM.
type Registrar interface {
	Register(ctx context.Context, in model.Interaction) (*model.RegisterResult, error)
}

// Summarizer turns transcripts into summaries.
type Summarizer struct {
	chain     *classify.Chain
	registrar Registrar
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithRegistrar enables filing calls in the CRM.
func WithRegistrar(r Registrar) Option {
	return func(s *Summarizer) { s.registrar = r }
}

// New creates a Summarizer. A nil or empty chain uses only the line-based
// fallback.
func New(chain *classify.Chain, opts ...Option) *Summarizer {
	s := &Summarizer{chain: chain}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process summarizes a call. It never fails: completion or parse errors
// degrade to the fallback summary.
func (s *Summarizer) Process(ctx context.Context, in CallInput) CallSummary {
	text := strings.TrimSpace(in.Transcription)
	if text == "" {
		if in.RecordingURL != "" {
			zap.L().Info("calls: no transcript for recording, speech-to-text not configured",
				zap.String("recording_url", in.RecordingURL))
		}
		return CallSummary{
			Summary:     UnavailableSummary,
			Topics:      []string{},
			Numbers:     map[string]any{},
			Agreements:  []string{},
			ActionItems: []string{},
			Source:      "none",
		}
	}

	if sum, ok := s.summarizeLLM(ctx, text, in.Metadata); ok {
		return sum
	}
	return FallbackSummary(text)
}

// ProcessAndRegister summarizes the call and, when requested, records it as
// a call interaction for the given contact.
func (s *Summarizer) ProcessAndRegister(ctx context.Context, in CallInput) (CallSummary, error) {
	sum := s.Process(ctx, in)
	if !in.Register {
		return sum, nil
	}
	if s.registrar == nil {
		return sum, eris.New("calls: registration requested but no registrar configured")
	}
	if in.Contact == nil || in.Contact.IdentityKey() == "" {
		return sum, eris.New("calls: registration requires a contact email or phone")
	}

	res, err := s.registrar.Register(ctx, model.Interaction{
		Channel:           model.ChannelCall,
		Subject:           "Телефонный звонок",
		Message:           interactionMessage(sum),
		Contact:           *in.Contact,
		Direction:         model.DirectionIncoming,
		Metadata:          in.Metadata,
		ResponsibleUserID: in.ResponsibleUserID,
	})
	if err != nil {
		return sum, eris.Wrap(err, "calls: register interaction")
	}
	sum.Registered = res
	return sum, nil
}

func (s *Summarizer) summarizeLLM(ctx context.Context, text string, meta map[string]any) (CallSummary, bool) {
	if s.chain.Len() == 0 {
		return CallSummary{}, false
	}
	prompt := classify.Prompt{
		Text:        fmt.Sprintf(summaryPrompt, truncate(text, transcriptMaxRunes), metaLine(meta)),
		Temperature: 0.3,
	}
	raw, name, err := s.chain.Complete(ctx, prompt)
	if err != nil {
		zap.L().Warn("calls: summary completion failed, using fallback", zap.Error(err))
		return CallSummary{}, false
	}
	obj, err := classify.ParseObject(raw)
	if err != nil {
		zap.L().Warn("calls: summary response unparseable, using fallback", zap.String("completer", name))
		return CallSummary{}, false
	}

	sum := CallSummary{
		Transcription: text,
		Summary:       missingSummary,
		Topics:        stringList(obj["topics"]),
		Numbers:       map[string]any{},
		Agreements:    stringList(obj["agreements"]),
		ActionItems:   stringList(obj["action_items"]),
		Source:        name,
	}
	if v, ok := obj["summary"].(string); ok && strings.TrimSpace(v) != "" {
		sum.Summary = strings.TrimSpace(v)
	}
	if nums, ok := obj["numbers"].(map[string]any); ok {
		for k, v := range nums {
			if v != nil {
				sum.Numbers[k] = v
			}
		}
	}
	return sum, true
}

// FallbackSummary joins the first transcript lines and pulls amounts and
// dates with the classifier's regex rules.
func FallbackSummary(text string) CallSummary {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
		if len(lines) == fallbackLines {
			break
		}
	}

	numbers := map[string]any{}
	facts := classify.RegexFacts("", text)
	if facts.TotalAmount != nil {
		numbers["price"] = *facts.TotalAmount
	}
	if len(facts.Products) > 0 && facts.Products[0].Quantity != nil {
		numbers["quantity"] = *facts.Products[0].Quantity
	}
	if facts.Deadline != "" {
		numbers["deadline"] = facts.Deadline
	}

	return CallSummary{
		Transcription: text,
		Summary:       truncate(strings.Join(lines, " "), fallbackMaxRunes),
		Topics:        []string{},
		Numbers:       numbers,
		Agreements:    []string{},
		ActionItems:   []string{},
		Source:        model.SourceRegex,
	}
}

func interactionMessage(sum CallSummary) string {
	var b strings.Builder
	b.WriteString("Резюме звонка: ")
	b.WriteString(sum.Summary)
	if len(sum.Agreements) > 0 {
		b.WriteString("\nДоговорённости: ")
		b.WriteString(strings.Join(sum.Agreements, "; "))
	}
	if len(sum.ActionItems) > 0 {
		b.WriteString("\nЗадачи: ")
		b.WriteString(strings.Join(sum.ActionItems, "; "))
	}
	if sum.Transcription != "" {
		b.WriteString("\n\nТранскрипция:\n")
		b.WriteString(sum.Transcription)
	}
	return b.String()
}

func stringList(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func metaLine(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	parts := make([]string, 0, len(meta))
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}
	return "Данные звонка: " + strings.Join(parts, ", ") + "\n"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
