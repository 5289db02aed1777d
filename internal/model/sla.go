package model

// SLAClass is the escalation tier of a task derived on each sweep.
type SLAClass string

const (
	SLANotDue  SLAClass = "not_due"
	SLAOnTime  SLAClass = "on_time"
	SLAOverdue SLAClass = "overdue"
	SLAUrgent  SLAClass = "urgent"
)
