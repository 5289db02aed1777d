package amocrm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
)

// FindContact returns the first contact matching query (email or phone), or
// nil when none matches.
func (c *httpClient) FindContact(ctx context.Context, query string) (*Contact, error) {
	if query == "" {
		return nil, nil
	}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/v4/contacts", url.Values{"query": {query}}, nil, &resp); err != nil {
		return nil, eris.Wrap(err, "amocrm: find contact")
	}
	if len(resp.Embedded.Contacts) == 0 {
		return nil, nil
	}
	return &resp.Embedded.Contacts[0], nil
}

func (c *httpClient) CreateContact(ctx context.Context, contact Contact) (int64, error) {
	var resp listResponse
	body := map[string]any{"contacts": []Contact{contact}}
	if err := c.do(ctx, http.MethodPost, "/api/v4/contacts", nil, body, &resp); err != nil {
		return 0, eris.Wrap(err, "amocrm: create contact")
	}
	if len(resp.Embedded.Contacts) == 0 {
		return 0, eris.New("amocrm: create contact: empty response")
	}
	return resp.Embedded.Contacts[0].ID, nil
}

func (c *httpClient) UpdateContact(ctx context.Context, id int64, contact Contact) error {
	contact.ID = 0
	if err := c.do(ctx, http.MethodPatch, "/api/v4/contacts/"+id64(id), nil, contact, nil); err != nil {
		return eris.Wrapf(err, "amocrm: update contact %d", id)
	}
	return nil
}

// FindOpenLead returns the first open lead linked to contactID inside
// pipelineID, or nil.
func (c *httpClient) FindOpenLead(ctx context.Context, contactID, pipelineID int64) (*Lead, error) {
	q := url.Values{"filter[contacts][]": {id64(contactID)}}
	if pipelineID > 0 {
		q.Set("filter[statuses][0][pipeline_id]", id64(pipelineID))
	}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/v4/leads", q, nil, &resp); err != nil {
		return nil, eris.Wrap(err, "amocrm: find open lead")
	}
	for i := range resp.Embedded.Leads {
		lead := resp.Embedded.Leads[i]
		if pipelineID > 0 && lead.PipelineID != 0 && lead.PipelineID != pipelineID {
			continue
		}
		if lead.IsOpen() {
			return &lead, nil
		}
	}
	return nil, nil
}

func (c *httpClient) ListLeads(ctx context.Context, pipelineID int64) ([]Lead, error) {
	q := url.Values{}
	if pipelineID > 0 {
		q.Set("filter[statuses][0][pipeline_id]", id64(pipelineID))
	}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/v4/leads", q, nil, &resp); err != nil {
		return nil, eris.Wrap(err, "amocrm: list leads")
	}
	return resp.Embedded.Leads, nil
}

func (c *httpClient) GetLead(ctx context.Context, id int64) (*Lead, error) {
	var lead Lead
	if err := c.do(ctx, http.MethodGet, leadPath(id, ""), nil, nil, &lead); err != nil {
		return nil, eris.Wrapf(err, "amocrm: get lead %d", id)
	}
	return &lead, nil
}

func (c *httpClient) CreateLead(ctx context.Context, lead Lead) (int64, error) {
	var resp listResponse
	body := map[string]any{"leads": []Lead{lead}}
	if err := c.do(ctx, http.MethodPost, "/api/v4/leads", nil, body, &resp); err != nil {
		return 0, eris.Wrap(err, "amocrm: create lead")
	}
	if len(resp.Embedded.Leads) == 0 {
		return 0, eris.New("amocrm: create lead: empty response")
	}
	return resp.Embedded.Leads[0].ID, nil
}

func (c *httpClient) UpdateLead(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPatch, leadPath(id, ""), nil, fields, nil); err != nil {
		return eris.Wrapf(err, "amocrm: update lead %d", id)
	}
	return nil
}

func (c *httpClient) ListTasks(ctx context.Context, leadID int64) ([]Task, error) {
	q := url.Values{
		"filter[entity_id]":   {id64(leadID)},
		"filter[entity_type]": {EntityLeads},
	}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/v4/tasks", q, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "amocrm: list tasks for lead %d", leadID)
	}
	return resp.Embedded.Tasks, nil
}

func (c *httpClient) CreateTasks(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	body := map[string]any{"tasks": tasks}
	if err := c.do(ctx, http.MethodPost, "/api/v4/tasks", nil, body, nil); err != nil {
		return eris.Wrap(err, "amocrm: create tasks")
	}
	return nil
}

func (c *httpClient) ListNotes(ctx context.Context, leadID int64) ([]Note, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, leadPath(leadID, "/notes"), nil, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "amocrm: list notes for lead %d", leadID)
	}
	return resp.Embedded.Notes, nil
}

func (c *httpClient) AddNote(ctx context.Context, leadID int64, text string) error {
	body := []Note{{NoteType: "common", Params: NoteParams{Text: text}}}
	if err := c.do(ctx, http.MethodPost, leadPath(leadID, "/notes"), nil, body, nil); err != nil {
		return eris.Wrapf(err, "amocrm: add note to lead %d", leadID)
	}
	return nil
}

func (c *httpClient) ListFiles(ctx context.Context, leadID int64) ([]File, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, leadPath(leadID, "/files"), nil, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "amocrm: list files for lead %d", leadID)
	}
	return resp.Embedded.Files, nil
}
