package worker

import (
	"context"
	"errors"
	"time"

	"github.com/brokerloop/crm/internal/domain"
)

// Sentinel errors shared by the engine's store implementations.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrStepNotFound     = errors.New("campaign step not found")
	ErrContactNotFound  = errors.New("contact not found")
	ErrNotClaimed       = errors.New("enrollment not claimed by this worker")
)

// EnrollmentStore is the engine's contract with enrollment persistence.
// Implementations must make ClaimDueBatch a single conditional write so two
// overlapping ticks can never process the same enrollment.
type EnrollmentStore interface {
	// ClaimDueBatch atomically claims up to limit active enrollments with
	// next_due <= now, oldest due first. Rows claimed by a live worker are
	// invisible; claims older than the lease are reclaimable.
	ClaimDueBatch(ctx context.Context, workerID string, now time.Time, limit int) ([]domain.Enrollment, error)

	// Advance persists the tick's outcome for a claimed enrollment in one
	// write: the new current step, the next due time (nil when done), and
	// the status. It resets the retry counter and releases the claim.
	Advance(ctx context.Context, workerID, id string, currentStep int, nextDue *time.Time, status domain.EnrollmentStatus) error

	// ScheduleRetry pushes a transiently failed enrollment to retryAt,
	// increments its retry counter, and releases the claim.
	ScheduleRetry(ctx context.Context, workerID, id string, retryAt time.Time) error

	// Release clears the claim leaving everything else untouched, so an
	// enrollment skipped in place (inactive campaign) stays due at its
	// prior time.
	Release(ctx context.Context, workerID, id string) error

	// Complete terminates the enrollment without advancing its step:
	// status completed, next_due null, claim released.
	Complete(ctx context.Context, workerID, id string) error
}

// CampaignStore provides read-only access to campaign definitions.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	// GetStep returns ErrStepNotFound when the campaign has no step with
	// the given number; the resolver treats that as sequence completion.
	GetStep(ctx context.Context, campaignID string, number int) (*domain.CampaignStep, error)
}

// ContactStore provides read-only access to contacts.
type ContactStore interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
}

// AuditStore appends immutable campaign log entries. Appends must be safe
// for unordered concurrent use.
type AuditStore interface {
	Append(ctx context.Context, entry *domain.CampaignLogEntry) error
}
