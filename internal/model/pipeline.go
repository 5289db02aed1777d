package model

// PipelineType names the sales workflow track a lead is routed to.
type PipelineType string

const (
	PipelineSales    PipelineType = "sales"
	PipelineNKU      PipelineType = "nku"
	PipelineServices PipelineType = "services"
)

// Valid reports whether p is one of the known pipeline types.
func (p PipelineType) Valid() bool {
	switch p {
	case PipelineSales, PipelineNKU, PipelineServices:
		return true
	}
	return false
}

// Decision sources.
const (
	SourceLLM      = "llm"
	SourceKeywords = "keywords"
	SourceRegex    = "regex"
)

// PipelineDecision is the routing outcome for one interaction. It is
// recomputed per interaction and never stored on its own.
type PipelineDecision struct {
	Type       PipelineType `json:"pipeline_type"`
	PipelineID int64        `json:"pipeline_id,omitempty"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
	Source     string       `json:"source"`
}

// Product is one line item mentioned in correspondence.
type Product struct {
	Name     string   `json:"name"`
	Quantity *float64 `json:"quantity"`
	Price    *float64 `json:"price"`
	Unit     string   `json:"unit,omitempty"`
}

// DealFacts are the structured facts extracted from correspondence.
type DealFacts struct {
	Products        []Product      `json:"products"`
	TotalAmount     *float64       `json:"total_amount"`
	Deadline        string         `json:"deadline,omitempty"`
	DeliveryAddress string         `json:"delivery_address,omitempty"`
	TechnicalParams map[string]any `json:"technical_params,omitempty"`
	Confidence      float64        `json:"confidence"`
	Source          string         `json:"source"`
}
