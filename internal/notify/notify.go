// Package notify delivers operator notifications through an ordered list of
// WhatsApp providers. Sending never fails the caller: when no provider is
// configured the result is a placeholder.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/resilience"
	"github.com/sells-group/salesops-cli/pkg/whatsapp"
)

// Delivery statuses.
const (
	StatusSent        = "sent"
	StatusFailed      = "failed"
	StatusPlaceholder = "placeholder"
)

// Result is the outcome of one send.
type Result struct {
	Phone    string `json:"phone,omitempty"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
}

// FanoutResult is the outcome of a send to several operators.
type FanoutResult struct {
	Status  string   `json:"status"`
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Notifier is what the escalation paths depend on.
type Notifier interface {
	Send(ctx context.Context, phone, text string, urgent bool) Result
	SendToManagers(ctx context.Context, text string, urgent bool) FanoutResult
}

// Dispatcher tries providers in order and falls through on failure.
type Dispatcher struct {
	providers     []whatsapp.Sender
	managerPhones []string
	urgentPhone   string
	retry         resilience.RetryConfig
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProviders sets the provider priority list. Nil entries are skipped.
func WithProviders(p ...whatsapp.Sender) Option {
	return func(d *Dispatcher) {
		for _, s := range p {
			if s != nil {
				d.providers = append(d.providers, s)
			}
		}
	}
}

// WithManagers sets the operator phone numbers.
func WithManagers(phones []string, urgent string) Option {
	return func(d *Dispatcher) {
		d.managerPhones = phones
		d.urgentPhone = urgent
	}
}

// WithRetry sets the per-provider retry policy for rate limits and 5xx.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{retry: resilience.RetryConfig{MaxAttempts: 2, Name: "whatsapp"}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Providers returns the configured provider names in priority order.
func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.providers))
	for _, p := range d.providers {
		names = append(names, p.Name())
	}
	return names
}

// FromConfig builds a Dispatcher with whichever providers have credentials:
// 360dialog first, then the Cloud API.
func FromConfig(cfg config.WhatsAppConfig) *Dispatcher {
	timeout := whatsapp.WithTimeout(cfg.Timeout())
	var providers []whatsapp.Sender
	if cfg.Dialog360Key != "" {
		providers = append(providers, whatsapp.NewDialog360(cfg.Dialog360Key,
			whatsapp.WithBaseURL(cfg.Dialog360BaseURL), timeout))
	}
	if cfg.CloudToken != "" && cfg.CloudPhoneID != "" {
		providers = append(providers, whatsapp.NewCloud(cfg.CloudToken, cfg.CloudPhoneID,
			whatsapp.WithBaseURL(cfg.CloudBaseURL), timeout))
	}
	return New(WithProviders(providers...), WithManagers(cfg.ManagerPhones, cfg.UrgentPhone))
}

// Send delivers text to phone via the first provider that succeeds.
func (d *Dispatcher) Send(ctx context.Context, phone, text string, urgent bool) Result {
	if phone == "" {
		return Result{Status: StatusFailed, Provider: "none", Error: "phone number is empty"}
	}
	for _, p := range d.providers {
		err := resilience.Do(ctx, d.retry, func(ctx context.Context) error {
			return transient(p.Send(ctx, phone, text))
		})
		if err == nil {
			zap.L().Info("notify: sent",
				zap.String("provider", p.Name()),
				zap.String("phone", phone),
				zap.Bool("urgent", urgent),
			)
			return Result{Phone: phone, Status: StatusSent, Provider: p.Name()}
		}
		zap.L().Warn("notify: provider failed, trying next",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}
	zap.L().Info("notify: placeholder",
		zap.String("phone", phone),
		zap.String("text", preview(text)),
	)
	return Result{Phone: phone, Status: StatusPlaceholder, Provider: "none", Error: "no provider delivered the message"}
}

func transient(err error) error {
	var apiErr *whatsapp.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}

// SendToManagers notifies the urgent phone when urgent and configured,
// otherwise every manager phone. Each phone is sent independently.
func (d *Dispatcher) SendToManagers(ctx context.Context, text string, urgent bool) FanoutResult {
	phones := d.managerPhones
	if urgent && d.urgentPhone != "" {
		phones = []string{d.urgentPhone}
	}
	if len(phones) == 0 {
		zap.L().Info("notify: manager placeholder", zap.String("text", preview(text)))
		return FanoutResult{Status: StatusPlaceholder, Results: []Result{}, Error: "no manager phones configured"}
	}

	results := make([]Result, len(phones))
	var (
		g  errgroup.Group
		mu sync.Mutex
		ok bool
	)
	for i, phone := range phones {
		g.Go(func() error {
			r := d.Send(ctx, phone, text, urgent)
			results[i] = r
			if r.Status == StatusSent {
				mu.Lock()
				ok = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	status := StatusFailed
	if ok {
		status = StatusSent
	}
	return FanoutResult{Status: status, Results: results}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 50 {
		return string(r[:50])
	}
	return s
}
