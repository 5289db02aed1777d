// Package documents tracks closing-document completeness for leads and
// creates remediation tasks and reminders for what is missing.
package documents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/internal/notify"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// ReminderMarker starts every reminder note. Reminder history is derived
// from notes carrying it.
const ReminderMarker = "Напоминание о документах"

// StatusMarker titles the closing-document status note written with each
// reminder.
const StatusMarker = "Статус закрывающих документов"

const statusIncomplete = "⚠️ Не полный"

// Engine derives missing documents and writes remediation tasks.
type Engine struct {
	crm         amocrm.Client
	notifier    notify.Notifier
	responsible int64
	taskDue     time.Duration
	cooldown    time.Duration
	urgentAfter time.Duration
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSettings applies configured windows. Zero values keep the defaults.
func WithSettings(cfg config.DocumentsConfig) Option {
	return func(e *Engine) {
		if cfg.TaskDueHours > 0 {
			e.taskDue = hours(cfg.TaskDueHours)
		}
		if cfg.ReminderIntervalHours > 0 {
			e.cooldown = hours(cfg.ReminderIntervalHours)
		}
		if cfg.UrgentDays > 0 {
			e.urgentAfter = hours(cfg.UrgentDays * 24)
		}
	}
}

// WithResponsible sets the default responsible user for created tasks.
func WithResponsible(userID int64) Option {
	return func(e *Engine) { e.responsible = userID }
}

// New creates an Engine.
func New(crm amocrm.Client, notifier notify.Notifier, opts ...Option) *Engine {
	e := &Engine{
		crm:         crm,
		notifier:    notifier,
		taskDue:     8 * time.Hour,
		cooldown:    24 * time.Hour,
		urgentAfter: 72 * time.Hour,
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// EnsureResult reports the outcome of EnsureTasks.
type EnsureResult struct {
	LeadID  int64    `json:"lead_id"`
	Status  string   `json:"status"`
	Created []string `json:"created"`
}

// EnsureTasks creates an "Отправить: <label>" task for every unchecked
// checklist item that has no open task with the same text.
func (e *Engine) EnsureTasks(ctx context.Context, leadID int64, checklist model.DocumentChecklist, responsible int64) (*EnsureResult, error) {
	var texts []string
	for _, item := range checklist.Items() {
		if !item.Done {
			texts = append(texts, "Отправить: "+item.Label)
		}
	}
	res := &EnsureResult{LeadID: leadID, Status: "complete", Created: []string{}}
	if len(texts) == 0 {
		return res, nil
	}
	created, err := e.ensure(ctx, leadID, texts, responsible)
	if err != nil {
		return nil, err
	}
	res.Created = created
	res.Status = "tasks_created"
	if len(created) == 0 {
		res.Status = "up_to_date"
	}
	return res, nil
}

// ensure posts the tasks whose text is not already present among the
// lead's open tasks, in a single request.
func (e *Engine) ensure(ctx context.Context, leadID int64, texts []string, responsible int64) ([]string, error) {
	existing, err := e.crm.ListTasks(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "documents: list tasks")
	}
	open := make(map[string]bool, len(existing))
	for _, t := range existing {
		if !t.IsCompleted {
			open[t.Text] = true
		}
	}

	if responsible == 0 {
		responsible = e.responsible
	}
	due := e.now().Add(e.taskDue).Unix()
	var (
		tasks   []amocrm.Task
		created []string
	)
	for _, text := range texts {
		if open[text] {
			continue
		}
		open[text] = true
		tasks = append(tasks, amocrm.Task{
			Text:              text,
			CompleteTill:      due,
			EntityID:          leadID,
			EntityType:        amocrm.EntityLeads,
			ResponsibleUserID: responsible,
		})
		created = append(created, text)
	}
	if len(tasks) == 0 {
		return []string{}, nil
	}
	if err := e.crm.CreateTasks(ctx, tasks); err != nil {
		return nil, eris.Wrap(err, "documents: create tasks")
	}
	zap.L().Info("documents: tasks created",
		zap.Int64("lead_id", leadID),
		zap.Strings("tasks", created),
	)
	return created, nil
}

// FileCheck is the file-presence checklist of a lead.
type FileCheck struct {
	LeadID     int64           `json:"lead_id"`
	FilesCount int             `json:"files_count"`
	Checklist  map[string]bool `json:"checklist"`
	Complete   bool            `json:"complete"`
}

// Missing returns the keys of absent categories in reporting order.
func (fc *FileCheck) Missing() []string {
	var out []string
	for _, c := range Categories {
		if !fc.Checklist[c.Key] {
			out = append(out, c.Key)
		}
	}
	return out
}

// CheckFiles matches the lead's attached file names against every
// document category.
func (e *Engine) CheckFiles(ctx context.Context, leadID int64) (*FileCheck, error) {
	files, err := e.crm.ListFiles(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "documents: list files")
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = normalizeName(f.Name)
	}

	fc := &FileCheck{
		LeadID:     leadID,
		FilesCount: len(files),
		Checklist:  make(map[string]bool, len(Categories)),
		Complete:   true,
	}
	for _, c := range Categories {
		ok := c.matches(names)
		fc.Checklist[c.Key] = ok
		fc.Complete = fc.Complete && ok
	}
	return fc, nil
}

// Reminder statuses.
const (
	ReminderComplete   = "complete"
	ReminderSuppressed = "suppressed"
	ReminderSent       = "reminder_sent"
)

// ReminderResult reports the outcome of CheckAndRemind.
type ReminderResult struct {
	LeadID         int64                `json:"lead_id"`
	Status         string               `json:"status"`
	Missing        []string             `json:"missing_documents,omitempty"`
	HoursUntilNext float64              `json:"hours_until_next,omitempty"`
	TasksCreated   []string             `json:"tasks_created,omitempty"`
	Urgent         bool                 `json:"urgent"`
	Notification   *notify.FanoutResult `json:"notification,omitempty"`
	UrgentNotice   *notify.FanoutResult `json:"urgent_notification,omitempty"`
}

// CheckAndRemind notifies managers about missing documents, at most once
// per cool-down window, and escalates when the first reminder is older than
// the urgent threshold.
func (e *Engine) CheckAndRemind(ctx context.Context, leadID int64) (*ReminderResult, error) {
	fc, err := e.CheckFiles(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if fc.Complete {
		return &ReminderResult{LeadID: leadID, Status: ReminderComplete}, nil
	}
	missing := fc.Missing()
	labels := make([]string, len(missing))
	for i, k := range missing {
		labels[i] = labelFor(k)
	}

	notes, err := e.crm.ListNotes(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "documents: list notes")
	}
	reminders := reminderTimes(notes)

	now := e.now()
	if n := len(reminders); n > 0 {
		since := now.Sub(reminders[n-1])
		if since < e.cooldown {
			return &ReminderResult{
				LeadID:         leadID,
				Status:         ReminderSuppressed,
				Missing:        missing,
				HoursUntilNext: (e.cooldown - since).Hours(),
			}, nil
		}
	}

	name := e.leadName(ctx, leadID)
	joined := strings.Join(labels, ", ")
	res := &ReminderResult{LeadID: leadID, Status: ReminderSent, Missing: missing}

	sent := e.notifier.SendToManagers(ctx,
		fmt.Sprintf("В сделке %s не хватает документов: %s.\nПрикрепите в CRM.", name, joined), false)
	res.Notification = &sent

	tasks := make([]string, len(labels))
	for i, l := range labels {
		tasks[i] = "Прикрепить: " + l
	}
	if res.TasksCreated, err = e.ensure(ctx, leadID, tasks, 0); err != nil {
		return nil, err
	}

	if err := e.crm.AddNote(ctx, leadID, amocrm.NoteText(ReminderMarker,
		fmt.Sprintf("Отправлено напоминание менеджеру о недостающих документах: %s.\nВремя: %s",
			joined, now.UTC().Format(time.RFC3339)))); err != nil {
		return nil, eris.Wrap(err, "documents: record reminder")
	}
	e.recordStatus(ctx, leadID, joined)

	first := now
	if len(reminders) > 0 {
		first = reminders[0]
	}
	if now.Sub(first) >= e.urgentAfter {
		res.Urgent = true
		days := int(now.Sub(first).Hours() / 24)
		urgent := e.notifier.SendToManagers(ctx,
			fmt.Sprintf("СРОЧНО: в сделке %s не хватает документов более %d дн.: %s.\nТребуется немедленное внимание!", name, days, joined), true)
		res.UrgentNotice = &urgent
	}

	zap.L().Info("documents: reminder sent",
		zap.Int64("lead_id", leadID),
		zap.Strings("missing", missing),
		zap.Bool("urgent", res.Urgent),
	)
	return res, nil
}

// recordStatus notes the incomplete closing-document set on the lead.
// Failure is logged only; the reminder itself already went out.
func (e *Engine) recordStatus(ctx context.Context, leadID int64, missing string) {
	text := amocrm.NoteText(StatusMarker+": "+statusIncomplete, "Не хватает: "+missing)
	if err := e.crm.AddNote(ctx, leadID, text); err != nil {
		zap.L().Error("documents: failed to record document status",
			zap.Int64("lead_id", leadID),
			zap.Error(err),
		)
	}
}

// reminderTimes returns the creation times of reminder notes, oldest first.
func reminderTimes(notes []amocrm.Note) []time.Time {
	var out []time.Time
	for _, n := range notes {
		if n.CreatedAt > 0 && strings.Contains(n.Params.Text, ReminderMarker) {
			out = append(out, n.Created())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (e *Engine) leadName(ctx context.Context, leadID int64) string {
	lead, err := e.crm.GetLead(ctx, leadID)
	if err != nil || lead == nil || lead.Name == "" {
		return "Сделка"
	}
	return lead.Name
}
