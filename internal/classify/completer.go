// Package classify routes correspondence to a sales pipeline and extracts
// deal facts, using an LLM completion chain with deterministic fallbacks.
package classify

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/resilience"
	"github.com/sells-group/salesops-cli/pkg/anthropic"
	"github.com/sells-group/salesops-cli/pkg/groq"
)

// Prompt is one completion request.
type Prompt struct {
	Text        string
	Temperature float64
	// MaxTokens caps the completion; zero uses the completer default.
	MaxTokens int
	// PlainText asks for free text instead of a JSON object.
	PlainText bool
}

// Completer turns a prompt into raw model text, ideally a JSON object.
type Completer interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// ErrNoCompleter is returned when the chain has no completers.
var ErrNoCompleter = eris.New("classify: no completer available")

// GroqCompleter requests JSON-object completions from Groq. Rate limits and
// 5xx responses are retried per Retry.
type GroqCompleter struct {
	Client groq.Client
	Retry  resilience.RetryConfig
}

func (g *GroqCompleter) Name() string { return "groq" }

func (g *GroqCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	temp := p.Temperature
	req := groq.ChatCompletionRequest{
		Messages:       []groq.Message{{Role: "user", Content: p.Text}},
		Temperature:    &temp,
		ResponseFormat: groq.JSONObject,
	}
	if p.PlainText {
		req.ResponseFormat = nil
	}
	if p.MaxTokens > 0 {
		maxTokens := p.MaxTokens
		req.MaxTokens = &maxTokens
	}
	retry := g.Retry
	if retry.Name == "" {
		retry.Name = "groq"
	}
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*groq.ChatCompletionResponse, error) {
		resp, err := g.Client.ChatCompletion(ctx, req)
		var se *groq.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			return nil, resilience.NewTransientError(err, se.StatusCode)
		}
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}

// AnthropicCompleter requests completions from the Anthropic Messages API.
type AnthropicCompleter struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int64
}

func (a *AnthropicCompleter) Name() string { return "anthropic" }

func (a *AnthropicCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	maxTokens := a.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = int64(p.MaxTokens)
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	system := "Отвечай только одним JSON-объектом без пояснений."
	if p.PlainText {
		system = "Отвечай простым текстом без markdown-разметки."
	}
	temp := p.Temperature
	resp, err := a.Client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: p.Text}},
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	resp.Usage.LogUsage(a.Model, "classify")
	return resp.Text(), nil
}

type link struct {
	completer Completer
	breaker   *resilience.CircuitBreaker
}

// Chain tries completers in priority order, skipping any whose circuit is
// open, and returns the first non-empty completion.
type Chain struct {
	links []link
}

// NewChain builds a chain; nil completers are skipped.
func NewChain(breakers resilience.BreakerConfig, completers ...Completer) *Chain {
	ch := &Chain{}
	for _, c := range completers {
		if c == nil {
			continue
		}
		ch.links = append(ch.links, link{
			completer: c,
			breaker:   resilience.NewCircuitBreaker(c.Name(), breakers),
		})
	}
	return ch
}

// Len returns the number of configured completers.
func (ch *Chain) Len() int {
	if ch == nil {
		return 0
	}
	return len(ch.links)
}

// Complete returns the raw completion and the name of the completer that
// produced it.
func (ch *Chain) Complete(ctx context.Context, p Prompt) (string, string, error) {
	if ch.Len() == 0 {
		return "", "", ErrNoCompleter
	}
	var lastErr error
	for _, l := range ch.links {
		text, err := resilience.ExecuteVal(ctx, l.breaker, func(ctx context.Context) (string, error) {
			return l.completer.Complete(ctx, p)
		})
		if err == nil && text != "" {
			return text, l.completer.Name(), nil
		}
		if err == nil {
			err = eris.Errorf("classify: %s returned empty completion", l.completer.Name())
		}
		zap.L().Debug("classify: completer failed, trying next",
			zap.String("completer", l.completer.Name()),
			zap.Error(err),
		)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", "", eris.Wrap(lastErr, "classify: all completers failed")
}
