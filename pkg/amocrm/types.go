package amocrm

import (
	"strings"
	"time"
)

// Closed lead statuses are fixed across amoCRM accounts.
const (
	StatusWon  int64 = 142
	StatusLost int64 = 143
)

// EntityLeads is the entity_type used for tasks attached to leads.
const EntityLeads = "leads"

// FieldValue is a single value of a custom field.
type FieldValue struct {
	Value    any    `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

// CustomField is a custom field addressed by its field code.
type CustomField struct {
	FieldCode string       `json:"field_code"`
	Values    []FieldValue `json:"values"`
}

// Contact is an amoCRM contact.
type Contact struct {
	ID                 int64         `json:"id,omitempty"`
	Name               string        `json:"name,omitempty"`
	FirstName          string        `json:"first_name,omitempty"`
	CustomFieldsValues []CustomField `json:"custom_fields_values,omitempty"`
}

// EntityRef links an entity by id inside an _embedded block.
type EntityRef struct {
	ID int64 `json:"id"`
}

// LeadEmbedded holds the linked entities of a lead.
type LeadEmbedded struct {
	Contacts []EntityRef `json:"contacts,omitempty"`
}

// Lead is an amoCRM lead (deal).
type Lead struct {
	ID                 int64         `json:"id,omitempty"`
	Name               string        `json:"name,omitempty"`
	Price              *float64      `json:"price,omitempty"`
	PipelineID         int64         `json:"pipeline_id,omitempty"`
	StatusID           int64         `json:"status_id,omitempty"`
	ResponsibleUserID  int64         `json:"responsible_user_id,omitempty"`
	ClosedAt           *int64        `json:"closed_at,omitempty"`
	IsDeleted          bool          `json:"is_deleted,omitempty"`
	CustomFieldsValues []CustomField `json:"custom_fields_values,omitempty"`
	Embedded           *LeadEmbedded `json:"_embedded,omitempty"`
}

// IsOpen reports whether the lead is neither closed nor deleted.
func (l Lead) IsOpen() bool {
	if l.IsDeleted || (l.ClosedAt != nil && *l.ClosedAt > 0) {
		return false
	}
	return l.StatusID != StatusWon && l.StatusID != StatusLost
}

// Task is an amoCRM task. Tasks are never updated once posted.
type Task struct {
	ID                int64  `json:"id,omitempty"`
	Text              string `json:"text"`
	CompleteTill      int64  `json:"complete_till"`
	EntityID          int64  `json:"entity_id,omitempty"`
	EntityType        string `json:"entity_type,omitempty"`
	ResponsibleUserID int64  `json:"responsible_user_id,omitempty"`
	IsCompleted       bool   `json:"is_completed,omitempty"`
}

// Due returns the task deadline, or the zero time when unset.
func (t Task) Due() time.Time {
	if t.CompleteTill <= 0 {
		return time.Time{}
	}
	return time.Unix(t.CompleteTill, 0).UTC()
}

// NoteParams carries the text of a common note.
type NoteParams struct {
	Text string `json:"text"`
}

// Note is a note attached to a lead.
type Note struct {
	ID        int64      `json:"id,omitempty"`
	EntityID  int64      `json:"entity_id,omitempty"`
	NoteType  string     `json:"note_type"`
	Params    NoteParams `json:"params"`
	CreatedAt int64      `json:"created_at,omitempty"`
}

// Created returns the note creation time.
func (n Note) Created() time.Time {
	return time.Unix(n.CreatedAt, 0).UTC()
}

// File is a file attached to a lead.
type File struct {
	FileUUID string `json:"file_uuid,omitempty"`
	Name     string `json:"name"`
}

type embedded struct {
	Contacts []Contact `json:"contacts,omitempty"`
	Leads    []Lead    `json:"leads,omitempty"`
	Tasks    []Task    `json:"tasks,omitempty"`
	Notes    []Note    `json:"notes,omitempty"`
	Files    []File    `json:"files,omitempty"`
}

type listResponse struct {
	Embedded embedded `json:"_embedded"`
}

// NoteText formats a titled note body the way operators read them in the
// lead feed.
func NoteText(title, details string) string {
	title = strings.TrimSpace(title)
	if details = strings.TrimSpace(details); details == "" {
		return title
	}
	return title + "\n---\n" + details
}
