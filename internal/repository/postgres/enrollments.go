// Package postgres implements the engine's store interfaces against
// PostgreSQL using lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/worker"
)

// DefaultClaimLease is how long a claim shields an enrollment from other
// workers. A worker that dies mid-tick loses its claims after the lease and
// the rows become claimable again.
const DefaultClaimLease = 10 * time.Minute

// EnrollmentRepo implements worker.EnrollmentStore and
// enrollment.Repository against PostgreSQL.
type EnrollmentRepo struct {
	db    *sql.DB
	lease time.Duration
}

// NewEnrollmentRepo creates a Postgres-backed enrollment repository.
func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo {
	return &EnrollmentRepo{db: db, lease: DefaultClaimLease}
}

// SetClaimLease overrides the claim lease duration.
func (r *EnrollmentRepo) SetClaimLease(d time.Duration) {
	if d > 0 {
		r.lease = d
	}
}

const enrollmentColumns = `id, contact_id, campaign_id, current_step, status, next_due, retry_count, claimed_by, claimed_at, created_at, updated_at`

// ClaimDueBatch claims up to limit due enrollments in one statement. The
// inner SELECT takes row locks with SKIP LOCKED so concurrent ticks partition
// the due set instead of blocking on it, and the claimed_at predicate makes
// the claim itself a conditional write: a row claimed within the lease window
// is invisible no matter how overdue its next_due is.
func (r *EnrollmentRepo) ClaimDueBatch(ctx context.Context, workerID string, now time.Time, limit int) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE lead_campaign_enrollments
			SET claimed_by = $1, claimed_at = $2, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM lead_campaign_enrollments
				WHERE status = 'active'
				  AND next_due IS NOT NULL
				  AND next_due <= $2
				  AND (claimed_at IS NULL OR claimed_at < $3)
				ORDER BY next_due ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+enrollmentColumns+`
		)
		SELECT `+enrollmentColumns+` FROM claimed ORDER BY next_due ASC
	`, workerID, now, now.Add(-r.lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due batch: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		var e domain.Enrollment
		if err := rows.Scan(
			&e.ID, &e.ContactID, &e.CampaignID, &e.CurrentStep, &e.Status,
			&e.NextDue, &e.RetryCount, &e.ClaimedBy, &e.ClaimedAt,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due batch rows: %w", err)
	}
	return out, nil
}

// Advance persists a tick outcome in a single write, guarded on the claim.
func (r *EnrollmentRepo) Advance(ctx context.Context, workerID, id string, currentStep int, nextDue *time.Time, status domain.EnrollmentStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lead_campaign_enrollments
		SET current_step = $3, next_due = $4, status = $5, retry_count = 0,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND claimed_by = $1
	`, workerID, id, currentStep, nextDue, status)
	if err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	return r.requireClaimed(res)
}

// ScheduleRetry pushes the enrollment to retryAt and counts the attempt.
func (r *EnrollmentRepo) ScheduleRetry(ctx context.Context, workerID, id string, retryAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lead_campaign_enrollments
		SET next_due = $3, retry_count = retry_count + 1,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND claimed_by = $1
	`, workerID, id, retryAt)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return r.requireClaimed(res)
}

// Release drops the claim and nothing else, leaving next_due as it was.
func (r *EnrollmentRepo) Release(ctx context.Context, workerID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lead_campaign_enrollments
		SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND claimed_by = $1
	`, workerID, id)
	if err != nil {
		return fmt.Errorf("release enrollment: %w", err)
	}
	return r.requireClaimed(res)
}

// Complete terminates the enrollment without advancing its step.
func (r *EnrollmentRepo) Complete(ctx context.Context, workerID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lead_campaign_enrollments
		SET status = 'completed', next_due = NULL,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND claimed_by = $1
	`, workerID, id)
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	return r.requireClaimed(res)
}

func (r *EnrollmentRepo) requireClaimed(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return worker.ErrNotClaimed
	}
	return nil
}

// Insert creates a new enrollment.
func (r *EnrollmentRepo) Insert(ctx context.Context, e *domain.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lead_campaign_enrollments
			(id, contact_id, campaign_id, current_step, status, next_due, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
	`, e.ID, e.ContactID, e.CampaignID, e.CurrentStep, e.Status, e.NextDue)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// HasOpen reports whether the contact already has an active or paused
// enrollment in the campaign.
func (r *EnrollmentRepo) HasOpen(ctx context.Context, contactID, campaignID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lead_campaign_enrollments
			WHERE contact_id = $1 AND campaign_id = $2 AND status IN ('active', 'paused')
		)
	`, contactID, campaignID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open enrollment: %w", err)
	}
	return exists, nil
}

// SetStatus moves every open enrollment of the contact in the campaign to
// the given status and returns how many rows changed. Pausing clears any
// claim so an in-flight tick cannot write over the pause.
func (r *EnrollmentRepo) SetStatus(ctx context.Context, contactID, campaignID string, from, to domain.EnrollmentStatus) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lead_campaign_enrollments
		SET status = $4, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE contact_id = $1 AND campaign_id = $2 AND status = $3
	`, contactID, campaignID, from, to)
	if err != nil {
		return 0, fmt.Errorf("set enrollment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
