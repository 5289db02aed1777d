// Package crm resolves customer interactions to amoCRM contacts and open
// leads, attaching notes and follow-up tasks. Every write is best-effort:
// a failure aborts the call without compensation, and rerunning is safe
// because contacts and leads are re-resolved by lookup.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/classify"
	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/documents"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

const (
	maxTitleRunes = 100
	maxNoteRunes  = 4000
	defaultTitle  = "Входящий запрос"
)

// Classifier routes and extracts facts from an interaction.
type Classifier interface {
	Classify(ctx context.Context, subject, body string, meta map[string]any) model.PipelineDecision
	Extract(ctx context.Context, subject, body string, meta map[string]any) model.DealFacts
}

// ChecklistEnsurer creates remediation tasks for unchecked documents.
type ChecklistEnsurer interface {
	EnsureTasks(ctx context.Context, leadID int64, checklist model.DocumentChecklist, responsible int64) (*documents.EnsureResult, error)
}

// Settings are the amoCRM identifiers the resolver writes with.
type Settings struct {
	OAuth             amocrm.OAuthConfig
	PipelineID        int64
	LeadStatusID      int64
	CPSentStatusID    int64
	ResponsibleUserID int64
}

// SettingsFromConfig extracts resolver settings from the amoCRM config.
func SettingsFromConfig(cfg config.AmoCRMConfig) Settings {
	return Settings{
		OAuth: amocrm.OAuthConfig{
			BaseURL:      cfg.BaseURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURI:  cfg.RedirectURI,
		},
		PipelineID:        cfg.PipelineID,
		LeadStatusID:      cfg.LeadStatusID,
		CPSentStatusID:    cfg.CPSentStatusID,
		ResponsibleUserID: cfg.ResponsibleUserID,
	}
}

// Validate fails with an *amocrm.ConfigError when the integration is not
// fully set up.
func (s Settings) Validate() error {
	if err := s.OAuth.Validate(); err != nil {
		return err
	}
	if s.PipelineID == 0 || s.LeadStatusID == 0 {
		return &amocrm.ConfigError{Reason: "pipeline_id and lead_status_id are required"}
	}
	return nil
}

// Resolver writes interactions into amoCRM.
type Resolver struct {
	crm        amocrm.Client
	classifier Classifier
	docs       ChecklistEnsurer
	settings   Settings
	now        func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver. docs may be nil when checklists are not
// handled.
func NewResolver(crm amocrm.Client, cls Classifier, docs ChecklistEnsurer, s Settings, opts ...Option) *Resolver {
	r := &Resolver{
		crm:        crm,
		classifier: cls,
		docs:       docs,
		settings:   s,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register classifies an interaction and syncs it into the CRM: contact,
// open lead in the detected pipeline, interaction note, follow-up task and
// document tasks.
func (r *Resolver) Register(ctx context.Context, in model.Interaction) (*model.RegisterResult, error) {
	if err := r.settings.Validate(); err != nil {
		return nil, err
	}

	decision := r.classifier.Classify(ctx, in.Subject, in.Message, in.Metadata)
	facts := r.classifier.Extract(ctx, in.Subject, in.Message, in.Metadata)
	meta := mergeMetadata(in.Metadata, decision, facts)

	contact := fillContact(in.Contact, in.Subject+"\n"+in.Message)
	contactID, err := r.upsertContact(ctx, contact)
	if err != nil {
		return nil, err
	}

	pipelineID := decision.PipelineID
	if pipelineID == 0 {
		pipelineID = r.settings.PipelineID
	}
	leadID, err := r.ensureOpenLead(ctx, contactID, pipelineID, in, meta)
	if err != nil {
		return nil, err
	}

	if err := r.crm.AddNote(ctx, leadID, interactionNote(in, meta)); err != nil {
		return nil, eris.Wrap(err, "crm: attach interaction note")
	}
	if err := r.ensureFollowUp(ctx, leadID, in); err != nil {
		return nil, err
	}
	if in.Documents != nil && r.docs != nil {
		if _, err := r.docs.EnsureTasks(ctx, leadID, *in.Documents, r.responsible(in.ResponsibleUserID)); err != nil {
			return nil, eris.Wrap(err, "crm: ensure document tasks")
		}
	}

	zap.L().Info("crm: interaction registered",
		zap.Int64("contact_id", contactID),
		zap.Int64("lead_id", leadID),
		zap.Int64("pipeline_id", pipelineID),
		zap.String("pipeline_type", string(decision.Type)),
		zap.String("channel", in.Channel),
	)
	return &model.RegisterResult{
		ContactID:     contactID,
		LeadID:        leadID,
		PipelineType:  decision.Type,
		ExtractedData: facts,
	}, nil
}

func (r *Resolver) responsible(requested int64) int64 {
	if requested != 0 {
		return requested
	}
	return r.settings.ResponsibleUserID
}

// mergeMetadata returns a copy of meta with the routing decision and the
// extracted budget and products merged in.
func mergeMetadata(meta map[string]any, d model.PipelineDecision, f model.DealFacts) map[string]any {
	out := make(map[string]any, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	out["pipeline_type"] = string(d.Type)
	out["pipeline_confidence"] = d.Confidence
	if f.TotalAmount != nil && *f.TotalAmount > 0 {
		out["budget"] = *f.TotalAmount
	}
	if len(f.Products) > 0 {
		out["products"] = f.Products
	}
	return out
}

// fillContact completes a missing phone or company from the message text.
func fillContact(c model.Contact, text string) model.Contact {
	if c.Phone != "" && c.Company != "" {
		return c
	}
	hint := classify.ExtractContact(text)
	if c.Phone == "" {
		c.Phone = hint.Phone
	}
	if c.Company == "" {
		c.Company = hint.Company
	}
	return c
}

func customFields(c model.Contact) []amocrm.CustomField {
	var fields []amocrm.CustomField
	if c.Email != "" {
		fields = append(fields, amocrm.CustomField{FieldCode: "EMAIL", Values: []amocrm.FieldValue{{Value: c.Email, EnumCode: "WORK"}}})
	}
	if c.Phone != "" {
		fields = append(fields, amocrm.CustomField{FieldCode: "PHONE", Values: []amocrm.FieldValue{{Value: c.Phone, EnumCode: "WORK"}}})
	}
	if c.Company != "" {
		fields = append(fields, amocrm.CustomField{FieldCode: "COMPANY_NAME", Values: []amocrm.FieldValue{{Value: c.Company}}})
	}
	return fields
}

func (r *Resolver) upsertContact(ctx context.Context, c model.Contact) (int64, error) {
	key := c.IdentityKey()
	if key != "" {
		existing, err := r.crm.FindContact(ctx, key)
		if err != nil {
			return 0, eris.Wrap(err, "crm: find contact")
		}
		if existing != nil {
			if err := r.crm.UpdateContact(ctx, existing.ID, amocrm.Contact{
				Name:               c.Name,
				CustomFieldsValues: customFields(c),
			}); err != nil {
				return 0, eris.Wrap(err, "crm: update contact")
			}
			zap.L().Debug("crm: contact matched", zap.Int64("contact_id", existing.ID))
			return existing.ID, nil
		}
	}

	name := c.Name
	if name == "" {
		name = "Новый контакт"
	}
	id, err := r.crm.CreateContact(ctx, amocrm.Contact{
		Name:               name,
		FirstName:          c.Name,
		CustomFieldsValues: customFields(c),
	})
	if err != nil {
		return 0, eris.Wrap(err, "crm: create contact")
	}
	zap.L().Info("crm: contact created", zap.Int64("contact_id", id))
	return id, nil
}

// ensureOpenLead finds the contact's open lead in pipelineID or creates
// one. The pipeline is an argument so concurrent calls never share it.
func (r *Resolver) ensureOpenLead(ctx context.Context, contactID, pipelineID int64, in model.Interaction, meta map[string]any) (int64, error) {
	lead, err := r.crm.FindOpenLead(ctx, contactID, pipelineID)
	if err != nil {
		return 0, eris.Wrap(err, "crm: find open lead")
	}
	if lead != nil {
		if err := r.syncLead(ctx, lead.ID, meta); err != nil {
			return 0, err
		}
		return lead.ID, nil
	}

	newLead := amocrm.Lead{
		Name:              leadTitle(in.Subject),
		PipelineID:        pipelineID,
		StatusID:          r.settings.LeadStatusID,
		ResponsibleUserID: r.responsible(in.ResponsibleUserID),
		Embedded:          &amocrm.LeadEmbedded{Contacts: []amocrm.EntityRef{{ID: contactID}}},
	}
	if b, ok := meta["budget"].(float64); ok {
		newLead.Price = &b
	}
	id, err := r.crm.CreateLead(ctx, newLead)
	if err != nil {
		return 0, eris.Wrap(err, "crm: create lead")
	}
	zap.L().Info("crm: lead created",
		zap.Int64("lead_id", id),
		zap.Int64("contact_id", contactID),
		zap.Int64("pipeline_id", pipelineID),
	)
	if err := r.syncLead(ctx, id, meta); err != nil {
		return 0, err
	}
	return id, nil
}

// syncLead merges budget and priority from metadata into the lead.
func (r *Resolver) syncLead(ctx context.Context, leadID int64, meta map[string]any) error {
	fields := map[string]any{}
	if b, ok := meta["budget"].(float64); ok && b > 0 {
		fields["price"] = b
	}
	if p := meta["priority"]; p != nil && p != "" {
		fields["custom_fields_values"] = []amocrm.CustomField{{
			FieldCode: "CUSTOMER_PRIORITY",
			Values:    []amocrm.FieldValue{{Value: p}},
		}}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.crm.UpdateLead(ctx, leadID, fields); err != nil {
		return eris.Wrap(err, "crm: sync lead")
	}
	return nil
}

func leadTitle(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return defaultTitle
	}
	return truncate(subject, maxTitleRunes)
}

func interactionNote(in model.Interaction, meta map[string]any) string {
	direction := in.Direction
	if direction == "" {
		direction = model.DirectionIncoming
	}
	lines := []string{
		"Источник: " + in.Channel,
		"Направление: " + direction,
	}
	if in.Subject != "" {
		lines = append(lines, "Тема: "+in.Subject)
	}
	if in.Message != "" {
		lines = append(lines, "---", truncate(in.Message, maxNoteRunes))
	}
	if len(meta) > 0 {
		if data, err := json.Marshal(meta); err == nil {
			lines = append(lines, "Метаданные: "+string(data))
		}
	}
	return strings.Join(lines, "\n")
}

// ensureFollowUp creates "Follow-up: <channel>" unless an open task with the
// same text exists.
func (r *Resolver) ensureFollowUp(ctx context.Context, leadID int64, in model.Interaction) error {
	text := "Follow-up: " + in.Channel
	tasks, err := r.crm.ListTasks(ctx, leadID)
	if err != nil {
		return eris.Wrap(err, "crm: list tasks")
	}
	for _, t := range tasks {
		if !t.IsCompleted && t.Text == text {
			return nil
		}
	}

	hours := in.FollowUpHours
	if hours == 0 {
		hours = model.DefaultFollowUpHours
	}
	hours = max(hours, 1)
	err = r.crm.CreateTasks(ctx, []amocrm.Task{{
		Text:              text,
		CompleteTill:      r.now().Add(time.Duration(hours) * time.Hour).Unix(),
		EntityID:          leadID,
		EntityType:        amocrm.EntityLeads,
		ResponsibleUserID: r.responsible(in.ResponsibleUserID),
	}})
	return eris.Wrap(err, "crm: create follow-up task")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
