package classify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/model"
)

// Classifier routes interactions to pipelines and extracts deal facts. It
// never returns an error: any completion or parse failure degrades to the
// deterministic keyword and regex rules.
type Classifier struct {
	chain      *Chain
	keywords   Keywords
	pipelineID func(model.PipelineType) int64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithChain sets the completion chain. Without one only the deterministic
// rules run.
func WithChain(ch *Chain) Option {
	return func(c *Classifier) { c.chain = ch }
}

// WithKeywords overrides the keyword lists.
func WithKeywords(kw Keywords) Option {
	return func(c *Classifier) { c.keywords = kw }
}

// WithPipelineIDs maps pipeline types to CRM pipeline ids.
func WithPipelineIDs(fn func(model.PipelineType) int64) Option {
	return func(c *Classifier) { c.pipelineID = fn }
}

// New creates a Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{keywords: DefaultKeywords()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify decides which pipeline an interaction belongs to.
func (c *Classifier) Classify(ctx context.Context, subject, body string, meta map[string]any) model.PipelineDecision {
	d, ok := c.classifyLLM(ctx, subject, body, meta)
	if !ok {
		d = KeywordDecision(c.keywords, subject, body)
	}
	if c.pipelineID != nil {
		d.PipelineID = c.pipelineID(d.Type)
	}
	return d
}

func (c *Classifier) classifyLLM(ctx context.Context, subject, body string, meta map[string]any) (model.PipelineDecision, bool) {
	if c.chain.Len() == 0 {
		return model.PipelineDecision{}, false
	}
	raw, name, err := c.chain.Complete(ctx, buildPipelinePrompt(subject, body, meta))
	if err != nil {
		zap.L().Warn("classify: pipeline completion failed, using keywords", zap.Error(err))
		return model.PipelineDecision{}, false
	}
	obj, err := ParseObject(raw)
	if err != nil {
		zap.L().Warn("classify: pipeline response unparseable, using keywords",
			zap.String("completer", name),
			zap.String("raw", truncate(raw, 200)),
		)
		return model.PipelineDecision{}, false
	}

	t := model.PipelineType(strings.ToLower(str(obj, "pipeline_type")))
	if !t.Valid() {
		zap.L().Warn("classify: invalid pipeline type, using keywords",
			zap.String("completer", name),
			zap.String("pipeline_type", string(t)),
		)
		return model.PipelineDecision{}, false
	}
	conf, ok := num(obj, "confidence")
	if !ok {
		conf = 0.5
	}
	return model.PipelineDecision{
		Type:       t,
		Confidence: clamp01(conf),
		Reason:     str(obj, "reason"),
		Source:     model.SourceLLM,
	}, true
}

// Extract pulls products, totals, deadlines and addresses from an
// interaction.
func (c *Classifier) Extract(ctx context.Context, subject, body string, meta map[string]any) model.DealFacts {
	if c.chain.Len() == 0 {
		return RegexFacts(subject, body)
	}
	raw, name, err := c.chain.Complete(ctx, buildExtractionPrompt(subject, body, meta))
	if err != nil {
		zap.L().Warn("classify: extraction completion failed, using regex", zap.Error(err))
		return RegexFacts(subject, body)
	}
	obj, err := ParseObject(raw)
	if err != nil {
		zap.L().Warn("classify: extraction response unparseable, using regex",
			zap.String("completer", name),
			zap.String("raw", truncate(raw, 200)),
		)
		return RegexFacts(subject, body)
	}
	return factsFromObject(obj)
}

func factsFromObject(obj map[string]any) model.DealFacts {
	facts := model.DealFacts{
		Products:        []model.Product{},
		TotalAmount:     numPtr(obj, "total_amount"),
		Deadline:        str(obj, "deadline"),
		DeliveryAddress: str(obj, "delivery_address"),
		Source:          model.SourceLLM,
	}
	if conf, ok := num(obj, "confidence"); ok {
		facts.Confidence = clamp01(conf)
	} else {
		facts.Confidence = 0.5
	}
	if tp, ok := obj["technical_params"].(map[string]any); ok && len(tp) > 0 {
		facts.TechnicalParams = tp
	}
	items, _ := obj["products"].([]any)
	for _, it := range items {
		p, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name := str(p, "name")
		if name == "" {
			continue
		}
		facts.Products = append(facts.Products, model.Product{
			Name:     name,
			Quantity: numPtr(p, "quantity"),
			Price:    numPtr(p, "price"),
			Unit:     str(p, "unit"),
		})
	}
	return facts
}
