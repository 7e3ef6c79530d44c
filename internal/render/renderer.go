// Package render turns campaign step templates into the subject and body
// delivered to one contact. Rendering always starts from the step's raw
// template; the optional LLM personalization path rewrites it, and any
// personalization failure falls back to deterministic substitution.
package render

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/brokerloop/crm/internal/domain"
)

// ErrPersonalizerUnavailable marks the absence of a configured provider.
var ErrPersonalizerUnavailable = errors.New("personalizer not configured")

// maxListings caps how many properties a recommendation step includes.
const maxListings = 3

// tokenPattern matches {{name}} placeholders, case-insensitively and with
// optional inner whitespace. Tokens outside the recognized set are left as
// literal text.
var tokenPattern = regexp.MustCompile(`(?i)\{\{\s*(first_name|last_name|agent_name|property_interest|budget|timeline)\s*\}\}`)

// ListingMatcher finds active listings for property recommendation steps.
// minPrice/maxPrice of 0 mean unbounded on that side.
type ListingMatcher interface {
	Search(ctx context.Context, minPrice, maxPrice int64, limit int) ([]domain.Listing, error)
}

// Rendered is the output of rendering one step for one contact.
type Rendered struct {
	Subject string
	Body    string

	// Personalized is true when the LLM path produced the content.
	Personalized bool
	// ListingCount is set for property_recommendation steps. Zero matches
	// make the step a logged no-op send rather than an error.
	ListingCount int
}

// Renderer resolves step templates against contact profiles.
type Renderer struct {
	personalizer Personalizer
	listings     ListingMatcher
	templates    *TemplateService
}

// NewRenderer creates a renderer. A nil personalizer defaults to
// NullPersonalizer; listings may be nil if no campaign uses
// property_recommendation steps.
func NewRenderer(p Personalizer, listings ListingMatcher) *Renderer {
	if p == nil {
		p = NullPersonalizer{}
	}
	return &Renderer{
		personalizer: p,
		listings:     listings,
		templates:    NewTemplateService(),
	}
}

// Render produces the final subject/body for one step and contact.
// ownerName fills the {{agent_name}} token.
func (r *Renderer) Render(ctx context.Context, step *domain.CampaignStep, contact *domain.Contact, ownerName string) (*Rendered, error) {
	switch step.Kind {
	case domain.StepEmail, domain.StepSMS:
		return r.renderMessage(ctx, step, contact, ownerName)
	case domain.StepPropertyRecommendation:
		return r.renderPropertyRecommendation(ctx, step, contact, ownerName)
	default:
		return nil, fmt.Errorf("render: unknown step kind %q", step.Kind)
	}
}

func (r *Renderer) renderMessage(ctx context.Context, step *domain.CampaignStep, contact *domain.Contact, ownerName string) (*Rendered, error) {
	out := &Rendered{
		Subject: r.Substitute(step.Subject, contact, ownerName),
		Body:    r.Substitute(step.Body, contact, ownerName),
	}

	if !step.AIPersonalize {
		return out, nil
	}

	// Subject and body are personalized independently so a failure on one
	// never discards the other's deterministic result.
	if body, err := r.personalize(ctx, step, contact, ownerName, step.Body, false); err == nil {
		out.Body = body
		out.Personalized = true
	} else if !errors.Is(err, ErrPersonalizerUnavailable) {
		log.Printf("[Renderer] personalization fallback for contact %s: %v", contact.ID, err)
	}

	if step.Kind == domain.StepEmail && step.Subject != "" {
		if subject, err := r.personalize(ctx, step, contact, ownerName, step.Subject, true); err == nil {
			out.Subject = strings.TrimSpace(subject)
		}
	}

	return out, nil
}

// personalize asks the provider to rewrite the raw template for this
// contact. The provider substitutes placeholders itself and must preserve
// the template's intent and call to action.
func (r *Renderer) personalize(ctx context.Context, step *domain.CampaignStep, contact *domain.Contact, ownerName, template string, subjectOnly bool) (string, error) {
	prompt := buildPersonalizationPrompt(step, contact, ownerName, template, subjectOnly)
	text, err := r.personalizer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s returned empty completion", r.personalizer.Name())
	}
	return text, nil
}

func buildPersonalizationPrompt(step *domain.CampaignStep, contact *domain.Contact, ownerName, template string, subjectOnly bool) string {
	var b strings.Builder
	b.WriteString("Rewrite the following ")
	if subjectOnly {
		b.WriteString("email subject line")
	} else {
		switch step.Kind {
		case domain.StepSMS:
			b.WriteString("SMS message")
		default:
			b.WriteString("email")
		}
	}
	b.WriteString(" for this real estate lead. Substitute any {{placeholder}} tokens ")
	b.WriteString("with the lead's details, keep the original intent and call to action")
	if step.Kind == domain.StepSMS && !subjectOnly {
		b.WriteString(", and stay under 160 characters")
	}
	b.WriteString(".\n\nLead profile:\n")
	fmt.Fprintf(&b, "- Name: %s\n", contact.FullName())
	fmt.Fprintf(&b, "- Lead type: %s\n", orUnknown(contact.LeadType))
	fmt.Fprintf(&b, "- Budget: %s\n", budgetRange(contact))
	fmt.Fprintf(&b, "- Property interest: %s\n", orUnknown(contact.PropertyInterest))
	fmt.Fprintf(&b, "- Timeline: %s\n", orUnknown(contact.Timeline))
	fmt.Fprintf(&b, "- Agent: %s\n", ownerName)
	b.WriteString("\nTemplate:\n")
	b.WriteString(template)
	b.WriteString("\n\nRespond with only the rewritten text.")
	return b.String()
}

// Substitute is the deterministic placeholder path. Recognized tokens are
// replaced case-insensitively; anything else stays literal.
func (r *Renderer) Substitute(template string, contact *domain.Contact, ownerName string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.ToLower(strings.Trim(match, "{} \t"))
		switch name {
		case "first_name":
			return contact.FirstName
		case "last_name":
			return contact.LastName
		case "agent_name":
			return ownerName
		case "property_interest":
			return contact.PropertyInterest
		case "budget":
			if contact.BudgetMax != nil {
				return FormatDollars(*contact.BudgetMax)
			}
			return "your budget"
		case "timeline":
			return contact.Timeline
		}
		return match
	})
}

func (r *Renderer) renderPropertyRecommendation(ctx context.Context, step *domain.CampaignStep, contact *domain.Contact, ownerName string) (*Rendered, error) {
	if r.listings == nil {
		return nil, fmt.Errorf("render: no listing matcher configured for property_recommendation step %d", step.StepNumber)
	}

	var minPrice, maxPrice int64
	if contact.BudgetMin != nil {
		minPrice = *contact.BudgetMin
	}
	if contact.BudgetMax != nil {
		maxPrice = *contact.BudgetMax
	}

	listings, err := r.listings.Search(ctx, minPrice, maxPrice, maxListings)
	if err != nil {
		return nil, fmt.Errorf("render: listing search: %w", err)
	}

	out := &Rendered{
		Subject:      r.Substitute(step.Subject, contact, ownerName),
		ListingCount: len(listings),
	}
	if len(listings) == 0 {
		// No-op send: nothing dispatches, but the tick still logs and
		// advances the enrollment.
		return out, nil
	}

	digest, err := r.templates.RenderListingDigest(listings)
	if err != nil {
		return nil, fmt.Errorf("render: listing digest: %w", err)
	}

	intro := r.Substitute(step.Body, contact, ownerName)
	if intro != "" {
		out.Body = intro + "\n\n" + digest
	} else {
		out.Body = digest
	}
	return out, nil
}

func budgetRange(c *domain.Contact) string {
	switch {
	case c.BudgetMin != nil && c.BudgetMax != nil:
		return fmt.Sprintf("%s - %s", FormatDollars(*c.BudgetMin), FormatDollars(*c.BudgetMax))
	case c.BudgetMax != nil:
		return "up to " + FormatDollars(*c.BudgetMax)
	case c.BudgetMin != nil:
		return FormatDollars(*c.BudgetMin) + " and up"
	default:
		return "not specified"
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "not specified"
	}
	return s
}

// FormatDollars renders whole dollars with thousand separators, e.g. 450000
// becomes "$450,000".
func FormatDollars(amount int64) string {
	str := fmt.Sprintf("%d", amount)
	neg := false
	if amount < 0 {
		neg = true
		str = str[1:]
	}

	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteRune(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}
