package crm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// ProposalResult reports what HandleProposalSent changed.
type ProposalResult struct {
	LeadID       int64  `json:"lead_id"`
	Status       string `json:"status"`
	PriceUpdated bool   `json:"price_updated"`
	StageUpdated bool   `json:"stage_updated"`
	TaskCreated  bool   `json:"task_created"`
}

// HandleProposalSent records a sent commercial proposal: sets the lead
// price, moves it to the proposal-sent stage when configured and schedules a
// status check for the next day. Only the closing note is required to
// succeed.
func (r *Resolver) HandleProposalSent(ctx context.Context, leadID int64, amount *float64, text string, responsible int64) (*ProposalResult, error) {
	if err := r.settings.OAuth.Validate(); err != nil {
		return nil, err
	}
	res := &ProposalResult{LeadID: leadID, Status: "proposal_sent"}

	if amount != nil && *amount > 0 {
		if err := r.crm.UpdateLead(ctx, leadID, map[string]any{"price": *amount}); err != nil {
			zap.L().Warn("crm: update proposal amount failed", zap.Int64("lead_id", leadID), zap.Error(err))
		} else {
			res.PriceUpdated = true
		}
	}
	if r.settings.CPSentStatusID != 0 {
		if err := r.crm.UpdateLead(ctx, leadID, map[string]any{"status_id": r.settings.CPSentStatusID}); err != nil {
			zap.L().Warn("crm: move lead to proposal stage failed", zap.Int64("lead_id", leadID), zap.Error(err))
		} else {
			res.StageUpdated = true
		}
	}

	err := r.crm.CreateTasks(ctx, []amocrm.Task{{
		Text:              "Уточнить статус КП",
		CompleteTill:      r.now().Add(24 * time.Hour).Unix(),
		EntityID:          leadID,
		EntityType:        amocrm.EntityLeads,
		ResponsibleUserID: r.responsible(responsible),
	}})
	if err != nil {
		zap.L().Warn("crm: create proposal follow-up failed", zap.Int64("lead_id", leadID), zap.Error(err))
	} else {
		res.TaskCreated = true
	}

	details := "Коммерческое предложение отправлено"
	if amount != nil && *amount > 0 {
		details += "\nСумма: " + formatAmount(*amount)
	}
	if text = strings.TrimSpace(text); text != "" {
		details += "\n---\n" + truncate(text, 500)
	}
	if err := r.crm.AddNote(ctx, leadID, amocrm.NoteText("КП отправлено", details)); err != nil {
		return nil, eris.Wrap(err, "crm: proposal note")
	}
	return res, nil
}

// RecordGeneratedDocument notes an ERP document created for the lead.
func (r *Resolver) RecordGeneratedDocument(ctx context.Context, leadID int64, docType, number string, extra map[string]any) error {
	lines := []string{fmt.Sprintf("В 1С создан документ: %s №%s", docType, number)}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, extra[k]))
	}
	err := r.crm.AddNote(ctx, leadID, amocrm.NoteText("Документы из 1С", strings.Join(lines, "\n")))
	return eris.Wrapf(err, "crm: record document %s", number)
}

// RecordPayment notes a payment received against an invoice.
func (r *Resolver) RecordPayment(ctx context.Context, leadID int64, invoice string, amount *float64, currency, payer string) error {
	parts := []string{fmt.Sprintf("Оплата по счёту №%s получена", invoice)}
	if amount != nil {
		parts = append(parts, strings.TrimSpace("Сумма: "+formatAmount(*amount)+" "+currency))
	}
	if payer != "" {
		parts = append(parts, "Плательщик: "+payer)
	}
	err := r.crm.AddNote(ctx, leadID, amocrm.NoteText("Поступление оплаты", strings.Join(parts, "\n")))
	return eris.Wrapf(err, "crm: record payment %s", invoice)
}
