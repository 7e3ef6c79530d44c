package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/worker"
)

// CampaignRepo implements worker.CampaignStore against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var sendDays pq.Int64Array
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, COALESCE(owner_name,''), name, channel, kind, is_active,
		       COALESCE(send_time_local,''), send_days,
		       COALESCE(quiet_start,''), COALESCE(quiet_end,''),
		       stop_on_reply, throttle_per_minute, dedupe_window_days,
		       created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.OwnerID, &c.OwnerName, &c.Name, &c.Channel, &c.Kind, &c.IsActive,
		&c.SendTimeLocal, &sendDays,
		&c.QuietStart, &c.QuietEnd,
		&c.StopOnReply, &c.ThrottlePerMinute, &c.DedupeWindowDays,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, worker.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	c.SendDays = make([]int, len(sendDays))
	for i, d := range sendDays {
		c.SendDays[i] = int(d)
	}
	return c, nil
}

func (r *CampaignRepo) GetStep(ctx context.Context, campaignID string, number int) (*domain.CampaignStep, error) {
	s := &domain.CampaignStep{}
	var attachments, links []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, step_number, kind,
		       COALESCE(subject,''), COALESCE(body,''),
		       schedule_type, delay_hours, day_of_week, day_of_month,
		       COALESCE(time_of_day,''), ai_personalize,
		       COALESCE(attachments,'[]'), COALESCE(links,'[]'),
		       created_at, updated_at
		FROM campaign_steps
		WHERE campaign_id = $1 AND step_number = $2
	`, campaignID, number).Scan(
		&s.ID, &s.CampaignID, &s.StepNumber, &s.Kind,
		&s.Subject, &s.Body,
		&s.ScheduleType, &s.DelayHours, &s.DayOfWeek, &s.DayOfMonth,
		&s.TimeOfDay, &s.AIPersonalize,
		&attachments, &links,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, worker.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign step: %w", err)
	}
	if err := json.Unmarshal(attachments, &s.Attachments); err != nil {
		return nil, fmt.Errorf("decode step attachments: %w", err)
	}
	if err := json.Unmarshal(links, &s.Links); err != nil {
		return nil, fmt.Errorf("decode step links: %w", err)
	}
	return s, nil
}

// FirstStep returns the campaign's lowest-numbered step. Enrollment uses it
// to compute the initial next_due.
func (r *CampaignRepo) FirstStep(ctx context.Context, campaignID string) (*domain.CampaignStep, error) {
	var number sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(step_number) FROM campaign_steps WHERE campaign_id = $1
	`, campaignID).Scan(&number)
	if err != nil {
		return nil, fmt.Errorf("first campaign step: %w", err)
	}
	if !number.Valid {
		return nil, worker.ErrStepNotFound
	}
	return r.GetStep(ctx, campaignID, int(number.Int64))
}
