package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/worker"
)

// ContactRepo implements worker.ContactStore against PostgreSQL.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(first_name,''), COALESCE(last_name,''),
		       COALESCE(email,''), COALESCE(phone,''),
		       COALESCE(lead_type,''), COALESCE(property_interest,''),
		       budget_min, budget_max, COALESCE(timeline,''),
		       created_at, updated_at
		FROM contacts
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.FirstName, &c.LastName,
		&c.Email, &c.Phone,
		&c.LeadType, &c.PropertyInterest,
		&c.BudgetMin, &c.BudgetMax, &c.Timeline,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, worker.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}
