package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/schedule"
	"github.com/brokerloop/crm/internal/worker"
)

// dedupeEvents are the log events that count as recent contact for the
// dedupe window. Every enrollment writes an enrolled entry up front, so
// checking these two covers sends in between as well.
var dedupeEvents = []string{domain.EventEnrolled, domain.EventCompleted}

// Service implements enrollment business logic.
type Service struct {
	repo      Repository
	campaigns CampaignDirectory
	audit     AuditLog
	loc       *time.Location

	// now is injectable for tests.
	now func() time.Time
}

// NewService creates an enrollment service. A nil location defaults to UTC.
func NewService(repo Repository, campaigns CampaignDirectory, audit AuditLog, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, campaigns: campaigns, audit: audit, loc: loc, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Enroll signs a contact up for a campaign. The first step's schedule sets
// the initial next_due, so a zero-delay first step is due immediately and a
// weekly step waits for its weekday. Duplicate and recently-completed
// enrollments are rejected.
func (s *Service) Enroll(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error) {
	campaign, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.IsActive {
		return nil, ErrCampaignInactive
	}

	open, err := s.repo.HasOpen(ctx, contactID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("check open enrollment: %w", err)
	}
	if open {
		return nil, ErrAlreadyEnrolled
	}

	now := s.now().In(s.loc)
	if campaign.DedupeWindowDays > 0 {
		since := now.AddDate(0, 0, -campaign.DedupeWindowDays)
		recent, err := s.audit.HasEventSince(ctx, contactID, campaignID, dedupeEvents, since)
		if err != nil {
			return nil, fmt.Errorf("check dedupe window: %w", err)
		}
		if recent {
			return nil, ErrRecentlyContacted
		}
	}

	first, err := s.campaigns.FirstStep(ctx, campaignID)
	if errors.Is(err, worker.ErrStepNotFound) {
		return nil, ErrEmptyCampaign
	}
	if err != nil {
		return nil, err
	}

	due, err := schedule.NextDue(schedule.FromStep(first), now, schedule.FromCampaign(campaign))
	if err != nil {
		return nil, fmt.Errorf("initial schedule: %w", err)
	}

	e := &domain.Enrollment{
		ContactID:   contactID,
		CampaignID:  campaignID,
		CurrentStep: first.StepNumber - 1,
		Status:      domain.EnrollmentActive,
		NextDue:     &due,
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		return nil, err
	}

	entry := &domain.CampaignLogEntry{
		ContactID:  contactID,
		CampaignID: campaignID,
		Event:      domain.EventEnrolled,
		Metadata:   map[string]any{"first_due": due.Format(time.RFC3339)},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		log.Printf("[Enrollment] audit append enrolled for %s: %v", e.ID, err)
	}

	log.Printf("[Enrollment] contact %s enrolled in campaign %s, first step due %s", contactID, campaignID, due.Format(time.RFC3339))
	return e, nil
}

// HandleReply pauses the contact's active enrollment in the campaign if the
// campaign opts into stop-on-reply. It returns how many enrollments were
// paused; zero with no error means the signal was a no-op.
func (s *Service) HandleReply(ctx context.Context, contactID, campaignID string) (int, error) {
	campaign, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !campaign.StopOnReply {
		return 0, nil
	}

	n, err := s.repo.SetStatus(ctx, contactID, campaignID, domain.EnrollmentActive, domain.EnrollmentPaused)
	if err != nil {
		return 0, fmt.Errorf("pause enrollment: %w", err)
	}
	if n > 0 {
		log.Printf("[Enrollment] paused %d enrollment(s) for contact %s in campaign %s on reply", n, contactID, campaignID)
	}
	return n, nil
}

// Resume reactivates a paused enrollment. Its next_due is untouched, so a
// due time that passed while paused makes it eligible on the next tick.
func (s *Service) Resume(ctx context.Context, contactID, campaignID string) (int, error) {
	n, err := s.repo.SetStatus(ctx, contactID, campaignID, domain.EnrollmentPaused, domain.EnrollmentActive)
	if err != nil {
		return 0, fmt.Errorf("resume enrollment: %w", err)
	}
	return n, nil
}
