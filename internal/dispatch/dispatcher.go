// Package dispatch sends rendered step content through the channel matching
// the step kind and the campaign's channel policy. Provider failures are
// returned as typed errors, never panics, so one enrollment's failure cannot
// abort the rest of a tick's batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/render"
)

// FailureKind classifies a provider failure for the retry policy.
type FailureKind string

const (
	FailureNetwork          FailureKind = "network"
	FailureTimeout          FailureKind = "timeout"
	FailureRateLimit        FailureKind = "rate_limit"
	FailureAuth             FailureKind = "auth"
	FailureInvalidRecipient FailureKind = "invalid_recipient"
)

// ProviderError is a typed dispatch failure.
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Auth and
// invalid-recipient failures cannot be fixed by retrying.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case FailureNetwork, FailureTimeout, FailureRateLimit:
		return true
	}
	return false
}

// EmailProvider delivers a single email and returns the provider message id.
type EmailProvider interface {
	Send(ctx context.Context, to, subject, htmlBody string) (string, error)
}

// SMSProvider delivers a single text message and returns the provider
// message id.
type SMSProvider interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Result counts what one dispatch call actually sent.
type Result struct {
	Emails  int `json:"emails"`
	SMS     int `json:"sms"`
	Skipped int `json:"skipped"`
}

// DefaultCallTimeout bounds each provider call. Providers carry their own
// internal timeouts; this is the engine's backstop.
const DefaultCallTimeout = 10 * time.Second

// Dispatcher routes rendered content to the email and SMS providers.
type Dispatcher struct {
	email       EmailProvider
	sms         SMSProvider
	callTimeout time.Duration
}

// NewDispatcher creates a dispatcher. Either provider may be nil when the
// deployment doesn't use that channel; steps needing it are skipped.
func NewDispatcher(email EmailProvider, sms SMSProvider) *Dispatcher {
	return &Dispatcher{email: email, sms: sms, callTimeout: DefaultCallTimeout}
}

// SetCallTimeout overrides the per-call timeout.
func (d *Dispatcher) SetCallTimeout(t time.Duration) {
	if t > 0 {
		d.callTimeout = t
	}
}

// Dispatch sends the rendered content for one step. The channel is chosen
// from the step's own kind gated by the campaign's channel policy: an email
// step dispatches only if the policy allows email, an SMS step only if it
// allows SMS. Property recommendations carry rich content and dispatch as
// email. A contact without a destination for the chosen channel is a silent
// skip, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, step *domain.CampaignStep, channel domain.CampaignChannel, contact *domain.Contact, r *render.Rendered) (*Result, error) {
	res := &Result{}

	switch step.Kind {
	case domain.StepEmail, domain.StepPropertyRecommendation:
		if !channel.AllowsEmail() {
			res.Skipped++
			return res, nil
		}
		return d.sendEmail(ctx, contact, r, res)

	case domain.StepSMS:
		if !channel.AllowsSMS() {
			res.Skipped++
			return res, nil
		}
		return d.sendSMS(ctx, contact, r, res)

	default:
		return nil, fmt.Errorf("dispatch: unknown step kind %q", step.Kind)
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, contact *domain.Contact, r *render.Rendered, res *Result) (*Result, error) {
	if contact.Email == "" || d.email == nil {
		res.Skipped++
		return res, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	id, err := d.email.Send(callCtx, contact.Email, r.Subject, r.Body)
	if err != nil {
		return res, classify("email", callCtx, err)
	}

	log.Printf("[Dispatcher] email sent to contact %s (id: %s)", contact.ID, id)
	res.Emails++
	return res, nil
}

func (d *Dispatcher) sendSMS(ctx context.Context, contact *domain.Contact, r *render.Rendered, res *Result) (*Result, error) {
	if contact.Phone == "" || d.sms == nil {
		res.Skipped++
		return res, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	id, err := d.sms.Send(callCtx, contact.Phone, r.Body)
	if err != nil {
		return res, classify("sms", callCtx, err)
	}

	log.Printf("[Dispatcher] sms sent to contact %s (id: %s)", contact.ID, id)
	res.SMS++
	return res, nil
}

// classify wraps a provider error with a failure kind. Providers may return
// a *ProviderError themselves; that classification wins. A call that ran out
// of its timeout budget is a retryable timeout regardless of what the
// provider surfaced.
func classify(provider string, ctx context.Context, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &ProviderError{Provider: provider, Kind: FailureTimeout, Err: err}
	}
	return &ProviderError{Provider: provider, Kind: FailureNetwork, Err: err}
}
