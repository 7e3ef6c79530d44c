package enrollment

import (
	"context"
	"time"

	"github.com/brokerloop/crm/internal/domain"
)

// Repository defines the data access contract for enrollments.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Insert creates a new enrollment, generating an ID if none is set.
	Insert(ctx context.Context, e *domain.Enrollment) error

	// HasOpen reports whether the contact has an active or paused
	// enrollment in the campaign.
	HasOpen(ctx context.Context, contactID, campaignID string) (bool, error)

	// SetStatus transitions every enrollment of the contact in the
	// campaign from one status to another and returns the row count.
	SetStatus(ctx context.Context, contactID, campaignID string, from, to domain.EnrollmentStatus) (int, error)
}

// CampaignDirectory is the read-only view of campaign definitions the
// service needs.
type CampaignDirectory interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	FirstStep(ctx context.Context, campaignID string) (*domain.CampaignStep, error)
}

// AuditLog appends and queries the append-only campaign log.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.CampaignLogEntry) error
	HasEventSince(ctx context.Context, contactID, campaignID string, events []string, since time.Time) (bool, error)
}
