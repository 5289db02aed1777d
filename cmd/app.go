package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/calls"
	"github.com/sells-group/salesops-cli/internal/classify"
	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/crm"
	"github.com/sells-group/salesops-cli/internal/documents"
	"github.com/sells-group/salesops-cli/internal/email"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/internal/notify"
	"github.com/sells-group/salesops-cli/internal/resilience"
	"github.com/sells-group/salesops-cli/internal/sla"
	"github.com/sells-group/salesops-cli/internal/store"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
	anthropicpkg "github.com/sells-group/salesops-cli/pkg/anthropic"
	"github.com/sells-group/salesops-cli/pkg/groq"
	"github.com/sells-group/salesops-cli/pkg/onec"
)

// appEnv holds the shared token manager and every component built on top
// of the CRM client. One instance serves all commands and HTTP requests.
type appEnv struct {
	Store      store.TokenStore
	Tokens     *amocrm.TokenManager
	CRM        amocrm.Client
	Settings   crm.Settings
	Chain      *classify.Chain
	Classifier *classify.Classifier
	Resolver   *crm.Resolver
	Documents  *documents.Engine
	Sweeper    *sla.Sweeper
	Notifier   notify.Notifier
	Calls      *calls.Summarizer
	Email      *email.Analyzer
	ERP        onec.Client
}

// Close releases the token store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp opens the token store and wires the CRM client, classifier,
// resolver, checklist engine, sweeper, notifier and ERP client from cfg.
// Callers should defer env.Close().
func initApp(ctx context.Context, cfg *config.Config) (*appEnv, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	settings := crm.SettingsFromConfig(cfg.AmoCRM)
	tokens := amocrm.NewTokenManager(ctx, settings.OAuth, st, amocrm.Token{
		AccessToken:  cfg.AmoCRM.AccessToken,
		RefreshToken: cfg.AmoCRM.RefreshToken,
	})
	crmClient := amocrm.NewClient(cfg.AmoCRM.BaseURL, tokens,
		amocrm.WithRateLimit(cfg.AmoCRM.RateLimit),
		amocrm.WithTimeout(cfg.AmoCRM.Timeout()),
	)

	env := newAppEnv(cfg, crmClient, notify.FromConfig(cfg.WhatsApp), buildChain(cfg))
	env.Store = st
	env.Tokens = tokens
	return env, nil
}

// newAppEnv builds the components over an existing CRM client and
// notifier. A nil chain leaves only the deterministic classifier rules.
func newAppEnv(cfg *config.Config, crmClient amocrm.Client, notifier notify.Notifier, chain *classify.Chain) *appEnv {
	settings := crm.SettingsFromConfig(cfg.AmoCRM)

	clsOpts := []classify.Option{
		classify.WithChain(chain),
		classify.WithPipelineIDs(func(t model.PipelineType) int64 {
			return cfg.PipelineIDFor(string(t))
		}),
	}
	if cfg.Classify.KeywordsFile != "" {
		kw, err := classify.LoadKeywords(cfg.Classify.KeywordsFile)
		if err != nil {
			zap.L().Warn("keyword file not loaded, using built-in keywords", zap.Error(err))
		} else {
			clsOpts = append(clsOpts, classify.WithKeywords(kw))
		}
	}
	classifier := classify.New(clsOpts...)

	docs := documents.New(crmClient, notifier,
		documents.WithSettings(cfg.Documents),
		documents.WithResponsible(cfg.AmoCRM.ResponsibleUserID),
	)
	resolver := crm.NewResolver(crmClient, classifier, docs, settings)
	sweeper := sla.New(crmClient, notifier, settings.OAuth, cfg.AmoCRM.PipelineID,
		sla.WithSettings(cfg.SLA),
	)

	erp := onec.NewClient(cfg.OneC.BaseURL,
		onec.WithAPIKey(cfg.OneC.APIKey),
		onec.WithEndpoints(cfg.OneC.InvoiceEndpoint, cfg.OneC.FulfillmentEndpoint),
		onec.WithTimeout(cfg.OneC.Timeout()),
	)

	emailOpts := []email.Option{
		email.WithRegistrar(resolver),
		email.WithMockMode(cfg.Email.Mock),
	}
	if f := email.NewIMAPFetcher(cfg.Email); f != nil {
		emailOpts = append(emailOpts, email.WithFetcher(f))
	}

	return &appEnv{
		CRM:        crmClient,
		Settings:   settings,
		Chain:      chain,
		Classifier: classifier,
		Resolver:   resolver,
		Documents:  docs,
		Sweeper:    sweeper,
		Notifier:   notifier,
		Calls:      calls.New(chain, calls.WithRegistrar(resolver)),
		Email:      email.New(chain, emailOpts...),
		ERP:        erp,
	}
}

// buildChain assembles the completion chain: Groq first, Anthropic second,
// each only when a key is configured.
func buildChain(cfg *config.Config) *classify.Chain {
	var completers []classify.Completer
	if cfg.Groq.Key != "" {
		completers = append(completers, &classify.GroqCompleter{
			Client: groq.NewClient(cfg.Groq.Key,
				groq.WithBaseURL(cfg.Groq.BaseURL),
				groq.WithModel(cfg.Groq.Model),
				groq.WithTimeout(cfg.Classify.Timeout()),
			),
			Retry: resilience.RetryConfig{MaxAttempts: 2, Name: "groq"},
		})
	}
	if cfg.Anthropic.Key != "" {
		completers = append(completers, &classify.AnthropicCompleter{
			Client: anthropicpkg.NewClient(cfg.Anthropic.Key,
				option.WithRequestTimeout(cfg.Classify.Timeout()),
			),
			Model: cfg.Anthropic.Model,
		})
	}
	if len(completers) == 0 {
		zap.L().Info("no completion capability configured, classifier uses keyword rules only")
	}
	return classify.NewChain(
		resilience.BreakerFromSettings(cfg.Classify.BreakerThreshold, cfg.Classify.BreakerResetSecs),
		completers...,
	)
}
