// Package amocrmtest provides an in-memory amocrm.Client for tests.
package amocrmtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// Fake is an in-memory amoCRM. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	nextID   int64
	Contacts map[int64]amocrm.Contact
	Leads    map[int64]amocrm.Lead
	Tasks    []amocrm.Task
	Notes    map[int64][]amocrm.Note
	Files    map[int64][]amocrm.File

	// LeadUpdates records every UpdateLead call in order.
	LeadUpdates []LeadUpdate
	// Calls counts invocations per method name.
	Calls map[string]int
	// Errors makes the named method fail with the given error.
	Errors map[string]error

	// Now stamps created notes. Defaults to time.Now.
	Now func() time.Time
}

// LeadUpdate is one recorded UpdateLead call.
type LeadUpdate struct {
	ID     int64
	Fields map[string]any
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		nextID:   1000,
		Contacts: make(map[int64]amocrm.Contact),
		Leads:    make(map[int64]amocrm.Lead),
		Notes:    make(map[int64][]amocrm.Note),
		Files:    make(map[int64][]amocrm.File),
		Calls:    make(map[string]int),
		Errors:   make(map[string]error),
		Now:      time.Now,
	}
}

var _ amocrm.Client = (*Fake)(nil)

func (f *Fake) enter(method string) error {
	f.Calls[method]++
	return f.Errors[method]
}

func (f *Fake) id() int64 {
	f.nextID++
	return f.nextID
}

// AddLead stores a lead and returns its id.
func (f *Fake) AddLead(l amocrm.Lead) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == 0 {
		l.ID = f.id()
	}
	f.Leads[l.ID] = l
	return l.ID
}

// AddTask stores a task and returns its id.
func (f *Fake) AddTask(t amocrm.Task) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == 0 {
		t.ID = f.id()
	}
	f.Tasks = append(f.Tasks, t)
	return t.ID
}

// AddNoteAt stores a note with an explicit creation time.
func (f *Fake) AddNoteAt(leadID int64, text string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notes[leadID] = append(f.Notes[leadID], amocrm.Note{
		ID:        f.id(),
		EntityID:  leadID,
		NoteType:  "common",
		Params:    amocrm.NoteParams{Text: text},
		CreatedAt: at.Unix(),
	})
}

// TasksFor returns the tasks attached to leadID.
func (f *Fake) TasksFor(leadID int64) []amocrm.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []amocrm.Task
	for _, t := range f.Tasks {
		if t.EntityID == leadID {
			out = append(out, t)
		}
	}
	return out
}

// NotesFor returns the notes attached to leadID.
func (f *Fake) NotesFor(leadID int64) []amocrm.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amocrm.Note(nil), f.Notes[leadID]...)
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func contactMatches(c amocrm.Contact, query string) bool {
	for _, cf := range c.CustomFieldsValues {
		for _, v := range cf.Values {
			if s, ok := v.Value.(string); ok && strings.EqualFold(s, query) {
				return true
			}
		}
	}
	return false
}

func (f *Fake) FindContact(_ context.Context, query string) (*amocrm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FindContact"); err != nil {
		return nil, err
	}
	var best *amocrm.Contact
	for id, c := range f.Contacts {
		if contactMatches(c, query) && (best == nil || id < best.ID) {
			c := c
			best = &c
		}
	}
	return best, nil
}

func (f *Fake) CreateContact(_ context.Context, c amocrm.Contact) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateContact"); err != nil {
		return 0, err
	}
	c.ID = f.id()
	f.Contacts[c.ID] = c
	return c.ID, nil
}

func (f *Fake) UpdateContact(_ context.Context, id int64, c amocrm.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateContact"); err != nil {
		return err
	}
	if _, ok := f.Contacts[id]; !ok {
		return eris.Errorf("amocrmtest: contact %d not found", id)
	}
	c.ID = id
	f.Contacts[id] = c
	return nil
}

func (f *Fake) FindOpenLead(_ context.Context, contactID, pipelineID int64) (*amocrm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FindOpenLead"); err != nil {
		return nil, err
	}
	var best *amocrm.Lead
	for _, l := range f.Leads {
		if !l.IsOpen() || (pipelineID > 0 && l.PipelineID != pipelineID) || l.Embedded == nil {
			continue
		}
		for _, ref := range l.Embedded.Contacts {
			if ref.ID == contactID && (best == nil || l.ID < best.ID) {
				l := l
				best = &l
			}
		}
	}
	return best, nil
}

func (f *Fake) ListLeads(_ context.Context, pipelineID int64) ([]amocrm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListLeads"); err != nil {
		return nil, err
	}
	var out []amocrm.Lead
	for _, l := range f.Leads {
		if pipelineID > 0 && l.PipelineID != pipelineID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *Fake) GetLead(_ context.Context, id int64) (*amocrm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetLead"); err != nil {
		return nil, err
	}
	l, ok := f.Leads[id]
	if !ok {
		return nil, &amocrm.APIError{Method: "GET", Path: "/api/v4/leads", Status: 404}
	}
	return &l, nil
}

func (f *Fake) CreateLead(_ context.Context, l amocrm.Lead) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateLead"); err != nil {
		return 0, err
	}
	l.ID = f.id()
	f.Leads[l.ID] = l
	return l.ID, nil
}

func (f *Fake) UpdateLead(_ context.Context, id int64, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateLead"); err != nil {
		return err
	}
	l, ok := f.Leads[id]
	if !ok {
		return &amocrm.APIError{Method: "PATCH", Path: "/api/v4/leads", Status: 404}
	}
	if p, ok := fields["price"].(float64); ok {
		l.Price = &p
	}
	if s, ok := fields["status_id"].(int64); ok {
		l.StatusID = s
	}
	f.Leads[id] = l
	f.LeadUpdates = append(f.LeadUpdates, LeadUpdate{ID: id, Fields: fields})
	return nil
}

func (f *Fake) ListTasks(_ context.Context, leadID int64) ([]amocrm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListTasks"); err != nil {
		return nil, err
	}
	var out []amocrm.Task
	for _, t := range f.Tasks {
		if t.EntityID == leadID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Fake) CreateTasks(_ context.Context, tasks []amocrm.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTasks"); err != nil {
		return err
	}
	for _, t := range tasks {
		t.ID = f.id()
		f.Tasks = append(f.Tasks, t)
	}
	return nil
}

func (f *Fake) ListNotes(_ context.Context, leadID int64) ([]amocrm.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListNotes"); err != nil {
		return nil, err
	}
	return append([]amocrm.Note(nil), f.Notes[leadID]...), nil
}

func (f *Fake) AddNote(_ context.Context, leadID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddNote"); err != nil {
		return err
	}
	f.Notes[leadID] = append(f.Notes[leadID], amocrm.Note{
		ID:        f.id(),
		EntityID:  leadID,
		NoteType:  "common",
		Params:    amocrm.NoteParams{Text: text},
		CreatedAt: f.Now().Unix(),
	})
	return nil
}

func (f *Fake) ListFiles(_ context.Context, leadID int64) ([]amocrm.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListFiles"); err != nil {
		return nil, err
	}
	return append([]amocrm.File(nil), f.Files[leadID]...), nil
}
