package domain

import "time"

// Audit event names recorded in campaign_logs. Step-send events are derived
// from the step kind via StepKind.SentEvent ("email_sent", "sms_sent",
// "property_recommendation_sent").
const (
	EventEnrolled      = "enrolled"
	EventCompleted     = "completed"
	EventError         = "error"
	EventErrorTerminal = "error_terminal"
)

// CampaignLogEntry is one append-only audit record. Entries are never updated
// or deleted by the engine; the log is the source of truth for whether a
// given step already fired.
type CampaignLogEntry struct {
	ID         string         `json:"id" db:"id"`
	ContactID  string         `json:"contact_id" db:"contact_id"`
	CampaignID string         `json:"campaign_id" db:"campaign_id"`
	StepID     *string        `json:"step_id" db:"step_id"`
	Event      string         `json:"event" db:"event"`
	Metadata   map[string]any `json:"metadata" db:"metadata"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
