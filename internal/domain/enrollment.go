package domain

import "time"

// EnrollmentStatus enumerates a contact's lifecycle within one campaign.
type EnrollmentStatus string

const (
	// EnrollmentActive means the enrollment has a pending next_due and is
	// eligible for the next tick.
	EnrollmentActive EnrollmentStatus = "active"
	// EnrollmentCompleted means the sequence was exhausted (or the
	// enrollment was force-completed after terminal errors). Terminal.
	EnrollmentCompleted EnrollmentStatus = "completed"
	// EnrollmentPaused is set by the external stop-on-reply signal. The
	// engine never selects paused enrollments. Terminal for the engine.
	EnrollmentPaused EnrollmentStatus = "paused"
)

// Enrollment tracks one contact's progress through one campaign.
//
// CurrentStep is the highest step number already sent; 0 means no step has
// fired yet. For an active enrollment NextDue is non-null and is the sole
// eligibility gate. RetryCount counts consecutive transient failures on the
// pending step and resets to zero on a successful advance.
type Enrollment struct {
	ID          string           `json:"id" db:"id"`
	ContactID   string           `json:"contact_id" db:"contact_id"`
	CampaignID  string           `json:"campaign_id" db:"campaign_id"`
	CurrentStep int              `json:"current_step" db:"current_step"`
	Status      EnrollmentStatus `json:"status" db:"status"`
	NextDue     *time.Time       `json:"next_due" db:"next_due"`
	RetryCount  int              `json:"retry_count" db:"retry_count"`

	// Claim bookkeeping, engine-owned. A claimed row keeps its NextDue but
	// is invisible to other workers until the claim lease expires.
	ClaimedBy *string    `json:"-" db:"claimed_by"`
	ClaimedAt *time.Time `json:"-" db:"claimed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the engine should never process this
// enrollment again.
func (e *Enrollment) IsTerminal() bool {
	return e.Status == EnrollmentCompleted || e.Status == EnrollmentPaused
}
