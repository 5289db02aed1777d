package model

// Channel values seen on inbound interactions.
const (
	ChannelEmail  = "email"
	ChannelCall   = "call"
	ChannelSystem = "system"
)

// Direction of an interaction relative to the company.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// DefaultFollowUpHours is used when an interaction does not request a
// specific follow-up window.
const DefaultFollowUpHours = 4

// DocumentChecklist tracks which sales documents have been delivered.
type DocumentChecklist struct {
	ProposalSent          bool `json:"proposal_sent"`
	InvoiceSent           bool `json:"invoice_sent"`
	ContractSigned        bool `json:"contract_signed"`
	ClosingDocumentsReady bool `json:"closing_documents_ready"`
}

// ChecklistItem is one labelled entry of a DocumentChecklist.
type ChecklistItem struct {
	Label string
	Done  bool
}

// Items returns the checklist entries in a stable order with their
// operator-facing labels.
func (d DocumentChecklist) Items() []ChecklistItem {
	return []ChecklistItem{
		{Label: "Коммерческое предложение", Done: d.ProposalSent},
		{Label: "Счет", Done: d.InvoiceSent},
		{Label: "Договор", Done: d.ContractSigned},
		{Label: "Закрывающие документы", Done: d.ClosingDocumentsReady},
	}
}

// Interaction is a single piece of customer correspondence to be synced
// into the CRM.
type Interaction struct {
	Channel           string             `json:"channel"`
	Subject           string             `json:"subject"`
	Message           string             `json:"message"`
	Contact           Contact            `json:"contact"`
	SourceID          string             `json:"source_id,omitempty"`
	Direction         string             `json:"direction,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	Documents         *DocumentChecklist `json:"documents,omitempty"`
	ResponsibleUserID int64              `json:"responsible_user_id,omitempty"`
	FollowUpHours     int                `json:"follow_up_hours,omitempty"`
}

// RegisterResult is returned after an interaction has been synced.
type RegisterResult struct {
	ContactID     int64        `json:"contact_id"`
	LeadID        int64        `json:"lead_id"`
	PipelineType  PipelineType `json:"pipeline_type"`
	ExtractedData DealFacts    `json:"extracted_data"`
}
