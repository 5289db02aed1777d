// Package sla escalates overdue CRM tasks. Every sweep re-derives each
// task's class from its due time; nothing about earlier escalations is
// stored, so an unfinished task is re-notified on every sweep.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/internal/notify"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// Report summarizes one sweep.
type Report struct {
	RunID             string `json:"run_id,omitempty"`
	Checked           int    `json:"checked"`
	Overdue           int    `json:"overdue"`
	Urgent            int    `json:"urgent"`
	NotificationsSent int    `json:"notifications_sent"`
}

// Thresholds are the escalation windows measured from a task's due time.
type Thresholds struct {
	Overdue time.Duration
	Urgent  time.Duration
}

// Classify returns the escalation class of a task at now and how far past
// due it is.
func (th Thresholds) Classify(t amocrm.Task, now time.Time) (model.SLAClass, time.Duration) {
	due := t.Due()
	if t.IsCompleted || due.IsZero() {
		return model.SLANotDue, 0
	}
	elapsed := now.Sub(due)
	switch {
	case elapsed < 0:
		return model.SLANotDue, elapsed
	case elapsed >= th.Urgent:
		return model.SLAUrgent, elapsed
	case elapsed >= th.Overdue:
		return model.SLAOverdue, elapsed
	}
	return model.SLAOnTime, elapsed
}

// Sweeper scans tasks and escalates overdue ones.
type Sweeper struct {
	crm         amocrm.Client
	notifier    notify.Notifier
	oauth       amocrm.OAuthConfig
	pipelineID  int64
	thresholds  Thresholds
	renewal     time.Duration
	maxLeads    int
	concurrency int
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithSettings applies configured thresholds and limits. Zero values keep
// the defaults.
func WithSettings(cfg config.SLAConfig) Option {
	return func(s *Sweeper) {
		if cfg.OverdueHours > 0 {
			s.thresholds.Overdue = hours(cfg.OverdueHours)
		}
		if cfg.UrgentHours > 0 {
			s.thresholds.Urgent = hours(cfg.UrgentHours)
		}
		if cfg.RenewalHours > 0 {
			s.renewal = hours(cfg.RenewalHours)
		}
		if cfg.MaxLeads > 0 {
			s.maxLeads = cfg.MaxLeads
		}
		if cfg.Concurrency > 0 {
			s.concurrency = cfg.Concurrency
		}
	}
}

// New creates a Sweeper over the leads of pipelineID.
func New(crm amocrm.Client, notifier notify.Notifier, oauth amocrm.OAuthConfig, pipelineID int64, opts ...Option) *Sweeper {
	s := &Sweeper{
		crm:         crm,
		notifier:    notifier,
		oauth:       oauth,
		pipelineID:  pipelineID,
		thresholds:  Thresholds{Overdue: time.Hour, Urgent: 4 * time.Hour},
		renewal:     2 * time.Hour,
		maxLeads:    50,
		concurrency: 5,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// Sweep checks the tasks of one lead, or of the first open leads in the
// pipeline when leadID is nil. An unconfigured CRM yields an empty report.
func (s *Sweeper) Sweep(ctx context.Context, leadID *int64) (*Report, error) {
	if err := s.oauth.Validate(); err != nil {
		zap.L().Warn("sla: amoCRM not configured, skipping sweep", zap.Error(err))
		return &Report{}, nil
	}

	runID := uuid.NewString()
	tasks, err := s.fetchTasks(ctx, leadID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	report := &Report{RunID: runID, Checked: len(tasks)}
	names := map[int64]string{}
	for _, t := range tasks {
		class, elapsed := s.thresholds.Classify(t, now)
		switch class {
		case model.SLAUrgent:
			report.Urgent++
			s.escalateUrgent(ctx, t, elapsed, s.leadName(ctx, names, t.EntityID))
			report.NotificationsSent++
		case model.SLAOverdue:
			report.Overdue++
			s.escalateOverdue(ctx, t, elapsed, s.leadName(ctx, names, t.EntityID))
			report.NotificationsSent++
		}
	}

	zap.L().Info("sla: sweep finished",
		zap.String("run_id", runID),
		zap.Int("checked", report.Checked),
		zap.Int("overdue", report.Overdue),
		zap.Int("urgent", report.Urgent),
	)
	return report, nil
}

func (s *Sweeper) fetchTasks(ctx context.Context, leadID *int64) ([]amocrm.Task, error) {
	if leadID != nil {
		tasks, err := s.crm.ListTasks(ctx, *leadID)
		return tasks, eris.Wrapf(err, "sla: list tasks for lead %d", *leadID)
	}

	leads, err := s.crm.ListLeads(ctx, s.pipelineID)
	if err != nil {
		return nil, eris.Wrap(err, "sla: list leads")
	}
	var open []amocrm.Lead
	for _, l := range leads {
		if l.IsOpen() {
			open = append(open, l)
		}
		if len(open) == s.maxLeads {
			break
		}
	}

	perLead := make([][]amocrm.Task, len(open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, l := range open {
		g.Go(func() error {
			tasks, err := s.crm.ListTasks(gctx, l.ID)
			if err != nil {
				zap.L().Warn("sla: list tasks failed, skipping lead", zap.Int64("lead_id", l.ID), zap.Error(err))
				return nil
			}
			perLead[i] = tasks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []amocrm.Task
	for _, ts := range perLead {
		all = append(all, ts...)
	}
	return all, nil
}

func (s *Sweeper) leadName(ctx context.Context, cache map[int64]string, leadID int64) string {
	if name, ok := cache[leadID]; ok {
		return name
	}
	name := "Сделка"
	if leadID != 0 {
		if lead, err := s.crm.GetLead(ctx, leadID); err == nil && lead.Name != "" {
			name = lead.Name
		}
	}
	cache[leadID] = name
	return name
}

func taskText(t amocrm.Task) string {
	if t.Text == "" {
		return "Задача"
	}
	return t.Text
}

// escalateOverdue notifies managers, renews the task with a nearer
// deadline and leaves an audit note. The original task is left untouched.
func (s *Sweeper) escalateOverdue(ctx context.Context, t amocrm.Task, elapsed time.Duration, leadName string) {
	text := taskText(t)
	s.notifier.SendToManagers(ctx, fmt.Sprintf("Просрочена задача по сделке %s.\nНужно: %s\nПросрочка: %.1f ч",
		leadName, text, elapsed.Hours()), false)

	err := s.crm.CreateTasks(ctx, []amocrm.Task{{
		Text:              "Повтор: " + text,
		CompleteTill:      s.now().Add(s.renewal).Unix(),
		EntityID:          t.EntityID,
		EntityType:        amocrm.EntityLeads,
		ResponsibleUserID: t.ResponsibleUserID,
	}})
	if err != nil {
		zap.L().Error("sla: create renewal task failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}

	s.auditNote(ctx, t.EntityID, amocrm.NoteText("SLA: Просроченная задача",
		fmt.Sprintf("Задача '%s' просрочена на %.1f ч. Отправлено уведомление менеджеру.", text, elapsed.Hours())))
}

// escalateUrgent notifies the urgent contact and leaves an audit note. No
// renewal task is created.
func (s *Sweeper) escalateUrgent(ctx context.Context, t amocrm.Task, elapsed time.Duration, leadName string) {
	text := taskText(t)
	s.notifier.SendToManagers(ctx, fmt.Sprintf("СРОЧНО: просрочена задача по сделке %s.\nНужно: %s\nПросрочка: %.1f ч\nТребуется немедленное внимание!",
		leadName, text, elapsed.Hours()), true)

	s.auditNote(ctx, t.EntityID, amocrm.NoteText("SLA: Критическая просрочка",
		fmt.Sprintf("Задача '%s' просрочена на %.1f ч. Отправлено срочное уведомление руководителю.", text, elapsed.Hours())))
}

func (s *Sweeper) auditNote(ctx context.Context, leadID int64, text string) {
	if leadID == 0 {
		return
	}
	if err := s.crm.AddNote(ctx, leadID, text); err != nil {
		zap.L().Warn("sla: audit note failed", zap.Int64("lead_id", leadID), zap.Error(err))
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return eris.New("sla: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		if _, err := s.Sweep(ctx, nil); err != nil && ctx.Err() == nil {
			zap.L().Error("sla: sweep failed", zap.Error(err))
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
