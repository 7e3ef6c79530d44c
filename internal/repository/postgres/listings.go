package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/brokerloop/crm/internal/domain"
)

// ListingRepo implements render.ListingMatcher against PostgreSQL.
type ListingRepo struct{ db *sql.DB }

// NewListingRepo creates a Postgres-backed listing repository.
func NewListingRepo(db *sql.DB) *ListingRepo { return &ListingRepo{db: db} }

// Search returns active listings inside the price range, newest first.
// A bound of 0 leaves that side of the range open.
func (r *ListingRepo) Search(ctx context.Context, minPrice, maxPrice int64, limit int) ([]domain.Listing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(address,''), price, bedrooms, bathrooms,
		       COALESCE(url,''), status
		FROM listings
		WHERE status = 'active'
		  AND ($1 = 0 OR price >= $1)
		  AND ($2 = 0 OR price <= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, minPrice, maxPrice, limit)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		var l domain.Listing
		if err := rows.Scan(&l.ID, &l.Title, &l.Address, &l.Price, &l.Bedrooms, &l.Bathrooms, &l.URL, &l.Status); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search listings rows: %w", err)
	}
	return out, nil
}
