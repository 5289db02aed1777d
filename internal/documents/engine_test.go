package documents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesops-cli/internal/config"
	"github.com/sells-group/salesops-cli/internal/model"
	"github.com/sells-group/salesops-cli/internal/notify/notifytest"
	"github.com/sells-group/salesops-cli/pkg/amocrm"
	"github.com/sells-group/salesops-cli/pkg/amocrm/amocrmtest"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*Engine, *amocrmtest.Fake, *notifytest.Recorder, *clock, int64) {
	t.Helper()
	clk := &clock{now: t0}
	fake := amocrmtest.New()
	fake.Now = clk.Now
	rec := &notifytest.Recorder{}
	leadID := fake.AddLead(amocrm.Lead{Name: "Щит ВРУ для ТОО Альфа", StatusID: 10})
	e := New(fake, rec, WithClock(clk.Now), WithResponsible(7), WithSettings(config.DocumentsConfig{
		ReminderIntervalHours: 24,
		UrgentDays:            3,
		TaskDueHours:          8,
	}))
	return e, fake, rec, clk, leadID
}

func TestEnsureTasks_Dedup(t *testing.T) {
	e, fake, _, _, leadID := setup(t)
	ctx := context.Background()
	checklist := model.DocumentChecklist{ProposalSent: true}

	res, err := e.EnsureTasks(ctx, leadID, checklist, 0)
	require.NoError(t, err)
	assert.Equal(t, "tasks_created", res.Status)
	assert.Equal(t, []string{"Отправить: Счет", "Отправить: Договор", "Отправить: Закрывающие документы"}, res.Created)

	tasks := fake.TasksFor(leadID)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, int64(7), task.ResponsibleUserID)
		assert.Equal(t, t0.Add(8*time.Hour).Unix(), task.CompleteTill)
		assert.Equal(t, amocrm.EntityLeads, task.EntityType)
	}

	res, err = e.EnsureTasks(ctx, leadID, checklist, 0)
	require.NoError(t, err)
	assert.Equal(t, "up_to_date", res.Status)
	assert.Empty(t, res.Created)
	assert.Len(t, fake.TasksFor(leadID), 3)
	assert.Equal(t, 1, fake.CallCount("CreateTasks"), "all tasks go in one request")
}

func TestEnsureTasks_CompletedTaskIsRecreated(t *testing.T) {
	e, fake, _, _, leadID := setup(t)
	fake.AddTask(amocrm.Task{Text: "Отправить: Счет", EntityID: leadID, IsCompleted: true})

	res, err := e.EnsureTasks(context.Background(), leadID, model.DocumentChecklist{
		ProposalSent: true, ContractSigned: true, ClosingDocumentsReady: true,
	}, 99)
	require.NoError(t, err)
	assert.Equal(t, []string{"Отправить: Счет"}, res.Created)
}

func TestEnsureTasks_AllDone(t *testing.T) {
	e, fake, _, _, leadID := setup(t)
	res, err := e.EnsureTasks(context.Background(), leadID, model.DocumentChecklist{
		ProposalSent: true, InvoiceSent: true, ContractSigned: true, ClosingDocumentsReady: true,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "complete", res.Status)
	assert.Zero(t, fake.CallCount("ListTasks"))
}

func TestCheckFiles(t *testing.T) {
	e, fake, _, _, leadID := setup(t)
	fake.Files[leadID] = []amocrm.File{
		{Name: "КП_Альфа.pdf"},
		{Name: "photo.jpg"},
		{Name: "Договор поставки.docx"},
		// decomposed "ё" must still match "счёт"
		{Name: "Сче\u0308т №42.PDF"},
	}

	fc, err := e.CheckFiles(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, 4, fc.FilesCount)
	assert.True(t, fc.Checklist["proposal"])
	assert.True(t, fc.Checklist["invoice"])
	assert.True(t, fc.Checklist["contract"])
	assert.False(t, fc.Checklist["waybill"])
	assert.False(t, fc.Checklist["invoice_factura"])
	assert.False(t, fc.Complete)
	assert.Contains(t, fc.Missing(), "invoice_factura")
}

func TestCheckFiles_Complete(t *testing.T) {
	e, fake, _, _, leadID := setup(t)
	fake.Files[leadID] = []amocrm.File{
		{Name: "kp.pdf"}, {Name: "proposal.pdf"}, {Name: "Счёт.pdf"}, {Name: "contract.pdf"},
		{Name: "waybill.pdf"}, {Name: "УПД 12.pdf"},
	}
	fc, err := e.CheckFiles(context.Background(), leadID)
	require.NoError(t, err)
	assert.True(t, fc.Complete)
	assert.Empty(t, fc.Missing())
}

func TestCheckAndRemind_Complete(t *testing.T) {
	e, fake, rec, _, leadID := setup(t)
	fake.Files[leadID] = []amocrm.File{
		{Name: "КП.pdf"}, {Name: "Счет-фактура.pdf"}, {Name: "Договор.pdf"}, {Name: "Накладная.pdf"}, {Name: "Акт.pdf"},
	}
	res, err := e.CheckAndRemind(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, ReminderComplete, res.Status)
	assert.Empty(t, rec.Messages)
	assert.Empty(t, fake.NotesFor(leadID))
	assert.Empty(t, fake.TasksFor(leadID))
}

func TestCheckAndRemind_CoolDown(t *testing.T) {
	e, fake, rec, clk, leadID := setup(t)
	ctx := context.Background()

	res, err := e.CheckAndRemind(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, res.Status)
	assert.False(t, res.Urgent)
	assert.Len(t, res.Missing, len(Categories))
	assert.Len(t, res.TasksCreated, len(Categories))
	assert.Contains(t, rec.Messages[0].Text, "Щит ВРУ для ТОО Альфа")
	assert.Contains(t, rec.Messages[0].Text, "не хватает документов")
	notes := fake.NotesFor(leadID)
	require.Len(t, notes, 2)
	assert.Contains(t, notes[0].Params.Text, ReminderMarker)
	assert.Contains(t, notes[1].Params.Text, "Статус закрывающих документов: ⚠️ Не полный")
	assert.Contains(t, notes[1].Params.Text, "Коммерческое предложение")
	assert.NotContains(t, notes[1].Params.Text, ReminderMarker)
	assert.Contains(t, fake.TasksFor(leadID)[0].Text, "Прикрепить: ")

	clk.now = t0.Add(10 * time.Hour)
	res, err = e.CheckAndRemind(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, ReminderSuppressed, res.Status)
	assert.InDelta(t, 14.0, res.HoursUntilNext, 1e-6)
	assert.Len(t, rec.Messages, 1)

	clk.now = t0.Add(25 * time.Hour)
	res, err = e.CheckAndRemind(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, res.Status)
	assert.Empty(t, res.TasksCreated, "remediation tasks already open")
	assert.Len(t, rec.Messages, 2)
	assert.Len(t, fake.NotesFor(leadID), 4)
	assert.Zero(t, rec.Count(true))
}

func TestCheckAndRemind_UrgentAfterThreeDays(t *testing.T) {
	e, fake, rec, clk, leadID := setup(t)
	fake.AddNoteAt(leadID, amocrm.NoteText(ReminderMarker, "first"), t0)
	fake.AddNoteAt(leadID, "unrelated", t0.Add(time.Hour))
	fake.AddNoteAt(leadID, amocrm.NoteText(ReminderMarker, "second"), t0.Add(48*time.Hour))

	clk.now = t0.Add(73 * time.Hour)
	res, err := e.CheckAndRemind(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, res.Status)
	assert.True(t, res.Urgent)
	require.NotNil(t, res.UrgentNotice)
	assert.Equal(t, 1, rec.Count(false))
	assert.Equal(t, 1, rec.Count(true))
	assert.Contains(t, rec.Messages[1].Text, "СРОЧНО")
}

// failStatusNote rejects only the document status note.
type failStatusNote struct{ *amocrmtest.Fake }

func (c failStatusNote) AddNote(ctx context.Context, leadID int64, text string) error {
	if strings.HasPrefix(text, StatusMarker) {
		return &amocrm.APIError{Status: 500, Body: "boom"}
	}
	return c.Fake.AddNote(ctx, leadID, text)
}

func TestCheckAndRemind_StatusNoteFailureIsNotFatal(t *testing.T) {
	_, fake, rec, clk, leadID := setup(t)
	e := New(failStatusNote{fake}, rec, WithClock(clk.Now))

	res, err := e.CheckAndRemind(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, res.Status)
	require.Len(t, fake.NotesFor(leadID), 1)
	assert.Contains(t, fake.NotesFor(leadID)[0].Params.Text, ReminderMarker)
}

func TestCheckAndRemind_ListFilesError(t *testing.T) {
	e, fake, rec, _, leadID := setup(t)
	fake.Errors["ListFiles"] = &amocrm.APIError{Status: 500, Body: "boom"}

	_, err := e.CheckAndRemind(context.Background(), leadID)
	require.Error(t, err)
	assert.Equal(t, 500, amocrm.StatusCode(err))
	assert.Empty(t, rec.Messages)
}
