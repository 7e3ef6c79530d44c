package render

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/brokerloop/crm/internal/domain"
)

// listingDigestTemplate formats the property digest appended to
// property_recommendation emails.
const listingDigestTemplate = `Here are {{ listings | size }} homes that fit your budget:
{% for l in listings %}
{{ forloop.index }}. {{ l.title }} — {{ l.address }}
   {{ l.price | currency }} · {{ l.bedrooms }} bed / {{ l.bathrooms }} bath
   {{ l.url }}
{% endfor %}`

// TemplateService renders Liquid templates with parse caching. It carries the
// custom filters digest templates rely on.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates the service and registers custom filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}

	// Whole-dollar currency: {{ price | currency }}
	ts.engine.RegisterFilter("currency", func(value interface{}) string {
		switch v := value.(type) {
		case int:
			return FormatDollars(int64(v))
		case int64:
			return FormatDollars(v)
		case float64:
			return FormatDollars(int64(v))
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return FormatDollars(n)
			}
			return v
		default:
			return fmt.Sprintf("%v", value)
		}
	})

	// Fallback value: {{ first_name | default: "there" }}
	ts.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	return ts
}

// Render parses and renders a template, caching the parse under cacheKey
// when one is provided.
func (ts *TemplateService) Render(cacheKey, templateStr string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(ctx)
		}
	}

	tpl, err := ts.engine.ParseString(templateStr)
	if err != nil {
		return "", fmt.Errorf("template parse: %w", err)
	}
	if cacheKey != "" {
		ts.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(ctx)
}

// RenderListingDigest formats up to three matched listings into the digest
// block of a property recommendation message.
func (ts *TemplateService) RenderListingDigest(listings []domain.Listing) (string, error) {
	rows := make([]map[string]interface{}, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, map[string]interface{}{
			"title":     l.Title,
			"address":   l.Address,
			"price":     l.Price,
			"bedrooms":  l.Bedrooms,
			"bathrooms": l.Bathrooms,
			"url":       l.URL,
		})
	}

	out, err := ts.Render("listing_digest", listingDigestTemplate, map[string]interface{}{
		"listings": rows,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
