package domain

import "time"

// Contact is a lead in the CRM. The engine reads contacts for rendering and
// dispatch; all contact editing happens in the surrounding application.
type Contact struct {
	ID        string `json:"id" db:"id"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	Email     string `json:"email" db:"email"`
	Phone     string `json:"phone" db:"phone"`

	LeadType         string `json:"lead_type" db:"lead_type"`
	PropertyInterest string `json:"property_interest" db:"property_interest"`
	BudgetMin        *int64 `json:"budget_min" db:"budget_min"`
	BudgetMax        *int64 `json:"budget_max" db:"budget_max"`
	Timeline         string `json:"timeline" db:"timeline"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FullName returns "First Last" with whatever parts are present.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// Listing is an active property record returned by the listing matcher for
// property_recommendation steps.
type Listing struct {
	ID        string  `json:"id" db:"id"`
	Title     string  `json:"title" db:"title"`
	Address   string  `json:"address" db:"address"`
	Price     int64   `json:"price" db:"price"`
	Bedrooms  int     `json:"bedrooms" db:"bedrooms"`
	Bathrooms float64 `json:"bathrooms" db:"bathrooms"`
	URL       string  `json:"url" db:"url"`
	Status    string  `json:"status" db:"status"`
}
