package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/brokerloop/crm/internal/domain"
)

// AuditRepo implements worker.AuditStore against PostgreSQL. The table is
// append-only; nothing in this repository updates or deletes rows.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit log repository.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Append(ctx context.Context, entry *domain.CampaignLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode log metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaign_logs (id, contact_id, campaign_id, step_id, event, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, entry.ID, entry.ContactID, entry.CampaignID, entry.StepID, entry.Event, meta)
	if err != nil {
		return fmt.Errorf("append campaign log: %w", err)
	}
	return nil
}

// HasEventSince reports whether the contact has any of the given events in
// the campaign after the cutoff. Enrollment uses it for the dedupe window.
func (r *AuditRepo) HasEventSince(ctx context.Context, contactID, campaignID string, events []string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_logs
			WHERE contact_id = $1 AND campaign_id = $2
			  AND event = ANY($3)
			  AND created_at >= $4
		)
	`, contactID, campaignID, pq.Array(events), since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent campaign log: %w", err)
	}
	return exists, nil
}

// Recent returns the newest log entries for a contact in a campaign.
func (r *AuditRepo) Recent(ctx context.Context, contactID, campaignID string, limit int) ([]domain.CampaignLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contact_id, campaign_id, step_id, event, metadata, created_at
		FROM campaign_logs
		WHERE contact_id = $1 AND campaign_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, contactID, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent campaign logs: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignLogEntry
	for rows.Next() {
		var (
			e    domain.CampaignLogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.ContactID, &e.CampaignID, &e.StepID, &e.Event, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign log: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent campaign logs rows: %w", err)
	}
	return out, nil
}
