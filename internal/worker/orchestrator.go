// Package worker runs the campaign tick: claim due enrollments, resolve and
// render their pending step, dispatch it, audit the outcome, and move each
// enrollment forward. Every persistence step is a conditional write keyed on
// the claim, so overlapping ticks and crashed workers can never double-send.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokerloop/crm/internal/dispatch"
	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/render"
	"github.com/brokerloop/crm/internal/schedule"
)

// ContentRenderer produces the subject and body for one step and contact.
type ContentRenderer interface {
	Render(ctx context.Context, step *domain.CampaignStep, contact *domain.Contact, ownerName string) (*render.Rendered, error)
}

// ChannelDispatcher delivers rendered content through the channel selected by
// the step kind and campaign policy.
type ChannelDispatcher interface {
	Dispatch(ctx context.Context, step *domain.CampaignStep, channel domain.CampaignChannel, contact *domain.Contact, r *render.Rendered) (*dispatch.Result, error)
}

// TickSummary is the result of one tick, returned verbatim by the trigger
// endpoint.
type TickSummary struct {
	Processed int      `json:"processed"`
	Emails    int      `json:"emails"`
	SMS       int      `json:"sms"`
	Errors    []string `json:"errors"`
}

// Options tunes one orchestrator instance.
type Options struct {
	BatchLimit  int
	Workers     int
	TickBudget  time.Duration
	RetryOffset time.Duration
	MaxRetries  int
	Location    *time.Location
}

// Orchestrator drives campaign execution ticks.
type Orchestrator struct {
	enrollments EnrollmentStore
	campaigns   CampaignStore
	contacts    ContactStore
	audit       AuditStore
	renderer    ContentRenderer
	dispatcher  ChannelDispatcher
	throttle    Throttle

	workerID string
	opts     Options

	// now is injectable for tests.
	now func() time.Time
}

// NewOrchestrator wires an orchestrator. A nil throttle disables throttling.
func NewOrchestrator(enrollments EnrollmentStore, campaigns CampaignStore, contacts ContactStore, audit AuditStore, renderer ContentRenderer, dispatcher ChannelDispatcher, throttle Throttle, opts Options) *Orchestrator {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.TickBudget <= 0 {
		opts.TickBudget = 5 * time.Minute
	}
	if opts.RetryOffset <= 0 {
		opts.RetryOffset = 15 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Orchestrator{
		enrollments: enrollments,
		campaigns:   campaigns,
		contacts:    contacts,
		audit:       audit,
		renderer:    renderer,
		dispatcher:  dispatcher,
		throttle:    throttle,
		workerID:    fmt.Sprintf("engine-%s", uuid.New().String()[:8]),
		opts:        opts,
		now:         time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (o *Orchestrator) SetNow(now func() time.Time) { o.now = now }

// WorkerID returns the claim owner id of this orchestrator.
func (o *Orchestrator) WorkerID() string { return o.workerID }

// outcome is the per-enrollment contribution to the tick summary.
type outcome struct {
	emails int
	sms    int
	errMsg string
}

// Tick claims one batch of due enrollments and processes them through a
// bounded worker pool. It never returns an error: claim failures and
// per-enrollment failures are reported in the summary so the trigger endpoint
// always has a complete picture.
func (o *Orchestrator) Tick(ctx context.Context) *TickSummary {
	summary := &TickSummary{Errors: []string{}}

	tickCtx, cancel := context.WithTimeout(ctx, o.opts.TickBudget)
	defer cancel()

	now := o.now().In(o.opts.Location)
	batch, err := o.enrollments.ClaimDueBatch(tickCtx, o.workerID, now, o.opts.BatchLimit)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("claim batch: %v", err))
		return summary
	}
	if len(batch) == 0 {
		return summary
	}
	log.Printf("[Orchestrator] worker %s claimed %d due enrollments", o.workerID, len(batch))

	jobs := make(chan domain.Enrollment)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				out := o.process(tickCtx, &e)
				mu.Lock()
				summary.Processed++
				summary.Emails += out.emails
				summary.SMS += out.sms
				if out.errMsg != "" {
					summary.Errors = append(summary.Errors, out.errMsg)
				}
				mu.Unlock()
			}
		}()
	}

	fed := 0
feed:
	for _, e := range batch {
		select {
		case jobs <- e:
			fed++
		case <-tickCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Claims the budget didn't reach go back untouched; they are due again
	// on the next tick.
	if fed < len(batch) {
		o.releaseRemainder(batch[fed:])
		mu.Lock()
		summary.Errors = append(summary.Errors, fmt.Sprintf("tick budget exhausted: released %d unprocessed claims", len(batch)-fed))
		mu.Unlock()
	}

	log.Printf("[Orchestrator] tick done: processed=%d emails=%d sms=%d errors=%d",
		summary.Processed, summary.Emails, summary.SMS, len(summary.Errors))
	return summary
}

func (o *Orchestrator) releaseRemainder(rest []domain.Enrollment) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, e := range rest {
		if err := o.enrollments.Release(ctx, o.workerID, e.ID); err != nil {
			log.Printf("[Orchestrator] release %s: %v", e.ID, err)
		}
	}
}

// process runs the full pipeline for one claimed enrollment. Failures are
// contained: whatever happens, the enrollment ends the call either released,
// rescheduled, or completed, and the error is reported in the summary rather
// than propagated.
func (o *Orchestrator) process(ctx context.Context, e *domain.Enrollment) outcome {
	campaign, err := o.campaigns.GetCampaign(ctx, e.CampaignID)
	if errors.Is(err, ErrCampaignNotFound) {
		o.terminate(e, nil, fmt.Sprintf("campaign %s no longer exists", e.CampaignID))
		return outcome{errMsg: fmt.Sprintf("enrollment %s: campaign %s not found", e.ID, e.CampaignID)}
	}
	if err != nil {
		return o.releaseOnStoreError(e, "load campaign", err)
	}

	// Deactivated campaigns are skipped in place: the claim is released with
	// next_due untouched, so reactivating the campaign resumes exactly where
	// the sequence left off.
	if !campaign.IsActive {
		if err := o.enrollments.Release(ctx, o.workerID, e.ID); err != nil {
			return outcome{errMsg: fmt.Sprintf("enrollment %s: release skip: %v", e.ID, err)}
		}
		return outcome{}
	}

	step, err := o.campaigns.GetStep(ctx, e.CampaignID, e.CurrentStep+1)
	if errors.Is(err, ErrStepNotFound) {
		o.completeExhausted(e)
		return outcome{}
	}
	if err != nil {
		return o.releaseOnStoreError(e, "resolve step", err)
	}

	contact, err := o.contacts.GetContact(ctx, e.ContactID)
	if errors.Is(err, ErrContactNotFound) {
		o.terminate(e, step, fmt.Sprintf("contact %s no longer exists", e.ContactID))
		return outcome{errMsg: fmt.Sprintf("enrollment %s: contact %s not found", e.ID, e.ContactID)}
	}
	if err != nil {
		return o.releaseOnStoreError(e, "load contact", err)
	}

	rendered, err := o.renderer.Render(ctx, step, contact, campaign.OwnerName)
	if err != nil {
		return o.fail(e, campaign, step, fmt.Errorf("render: %w", err))
	}

	// A recommendation step with no matching inventory is a no-op send: it
	// is logged and the sequence advances, but nothing goes out.
	if step.Kind == domain.StepPropertyRecommendation && rendered.ListingCount == 0 {
		persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.appendLog(persistCtx, e, &step.ID, step.Kind.SentEvent(), map[string]any{
			"step_number":   step.StepNumber,
			"listing_count": 0,
			"skipped":       1,
		})
		return o.advance(persistCtx, e, campaign, step, &dispatch.Result{Skipped: 1})
	}

	if o.throttle != nil {
		if err := o.throttle.Wait(ctx, campaign.ID, campaign.ThrottlePerMinute); err != nil {
			// Budget ran out while queued behind the campaign's rate; nothing
			// was sent, so the enrollment simply stays due.
			return o.releaseOnStoreError(e, "throttle", err)
		}
	}

	res, err := o.dispatcher.Dispatch(ctx, step, campaign.Channel, contact, rendered)
	if err != nil {
		var pe *dispatch.ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			o.terminate(e, step, fmt.Sprintf("dispatch: %v", pe))
			return outcome{errMsg: fmt.Sprintf("enrollment %s: %v", e.ID, pe)}
		}
		return o.fail(e, campaign, step, fmt.Errorf("dispatch: %w", err))
	}

	// The send has happened. Bookkeeping from here on runs on a detached
	// context: cutting it off at the tick budget would leave the claim to
	// lease expiry and the step would fire twice.
	persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	meta := map[string]any{
		"step_number":  step.StepNumber,
		"emails":       res.Emails,
		"sms":          res.SMS,
		"skipped":      res.Skipped,
		"personalized": rendered.Personalized,
	}
	if step.Kind == domain.StepPropertyRecommendation {
		meta["listing_count"] = rendered.ListingCount
	}
	o.appendLog(persistCtx, e, &step.ID, step.Kind.SentEvent(), meta)

	return o.advance(persistCtx, e, campaign, step, res)
}

// advance moves the enrollment past the step that just fired: either schedule
// the following step or complete the sequence.
func (o *Orchestrator) advance(ctx context.Context, e *domain.Enrollment, campaign *domain.Campaign, sent *domain.CampaignStep, res *dispatch.Result) outcome {
	out := outcome{emails: res.Emails, sms: res.SMS}
	newStep := e.CurrentStep + 1

	next, err := o.campaigns.GetStep(ctx, e.CampaignID, newStep+1)
	switch {
	case errors.Is(err, ErrStepNotFound):
		if aerr := o.enrollments.Advance(ctx, o.workerID, e.ID, newStep, nil, domain.EnrollmentCompleted); aerr != nil {
			out.errMsg = fmt.Sprintf("enrollment %s: complete: %v", e.ID, aerr)
			return out
		}
		o.appendLog(ctx, e, nil, domain.EventCompleted, map[string]any{"total_steps": newStep})
		return out

	case err != nil:
		// The step went out but the next step can't be read. Advancing with a
		// short fallback due keeps the sequence moving without ever resending
		// this step; the next tick recomputes from there.
		due := o.now().In(o.opts.Location).Add(o.opts.RetryOffset)
		if aerr := o.enrollments.Advance(ctx, o.workerID, e.ID, newStep, &due, domain.EnrollmentActive); aerr != nil {
			out.errMsg = fmt.Sprintf("enrollment %s: advance after send: %v", e.ID, aerr)
			return out
		}
		out.errMsg = fmt.Sprintf("enrollment %s: resolve next step: %v", e.ID, err)
		return out
	}

	due, err := schedule.NextDue(schedule.FromStep(next), o.now().In(o.opts.Location), schedule.FromCampaign(campaign))
	if err != nil {
		// Broken schedule data on the next step. Retrying cannot fix it, so
		// the enrollment terminates rather than churning forever.
		if aerr := o.enrollments.Advance(ctx, o.workerID, e.ID, newStep, nil, domain.EnrollmentCompleted); aerr != nil {
			out.errMsg = fmt.Sprintf("enrollment %s: terminate on bad schedule: %v", e.ID, aerr)
			return out
		}
		o.appendLog(ctx, e, &next.ID, domain.EventErrorTerminal, map[string]any{"error": err.Error()})
		out.errMsg = fmt.Sprintf("enrollment %s: %v", e.ID, err)
		return out
	}

	if aerr := o.enrollments.Advance(ctx, o.workerID, e.ID, newStep, &due, domain.EnrollmentActive); aerr != nil {
		out.errMsg = fmt.Sprintf("enrollment %s: advance: %v", e.ID, aerr)
	}
	return out
}

// fail handles a transient failure before anything was sent: schedule a
// bounded retry, or terminate once the retry budget is spent.
func (o *Orchestrator) fail(e *domain.Enrollment, campaign *domain.Campaign, step *domain.CampaignStep, cause error) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if e.RetryCount >= o.opts.MaxRetries {
		o.terminate(e, step, fmt.Sprintf("retries exhausted after %d attempts: %v", e.RetryCount, cause))
		return outcome{errMsg: fmt.Sprintf("enrollment %s: retries exhausted: %v", e.ID, cause)}
	}

	retryAt := o.now().In(o.opts.Location).Add(o.opts.RetryOffset)
	if err := o.enrollments.ScheduleRetry(ctx, o.workerID, e.ID, retryAt); err != nil {
		return outcome{errMsg: fmt.Sprintf("enrollment %s: schedule retry: %v", e.ID, err)}
	}
	o.appendLog(ctx, e, stepIDPtr(step), domain.EventError, map[string]any{
		"error":       cause.Error(),
		"retry_count": e.RetryCount + 1,
		"retry_at":    retryAt.Format(time.RFC3339),
	})
	return outcome{errMsg: fmt.Sprintf("enrollment %s: %v", e.ID, cause)}
}

// terminate force-completes an enrollment that can never succeed and records
// the terminal error.
func (o *Orchestrator) terminate(e *domain.Enrollment, step *domain.CampaignStep, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.enrollments.Complete(ctx, o.workerID, e.ID); err != nil {
		log.Printf("[Orchestrator] force-complete %s: %v", e.ID, err)
		return
	}
	o.appendLog(ctx, e, stepIDPtr(step), domain.EventErrorTerminal, map[string]any{"error": reason})
}

// completeExhausted finishes an enrollment whose sequence has no step left.
func (o *Orchestrator) completeExhausted(e *domain.Enrollment) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.enrollments.Complete(ctx, o.workerID, e.ID); err != nil {
		log.Printf("[Orchestrator] complete %s: %v", e.ID, err)
		return
	}
	o.appendLog(ctx, e, nil, domain.EventCompleted, map[string]any{"total_steps": e.CurrentStep})
}

// releaseOnStoreError puts a claim back untouched after an infrastructure
// error, leaving the enrollment due for the next tick.
func (o *Orchestrator) releaseOnStoreError(e *domain.Enrollment, op string, cause error) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.enrollments.Release(ctx, o.workerID, e.ID); err != nil {
		log.Printf("[Orchestrator] release %s after %s error: %v", e.ID, op, err)
	}
	return outcome{errMsg: fmt.Sprintf("enrollment %s: %s: %v", e.ID, op, cause)}
}

// appendLog writes an audit entry. Audit failures are logged and swallowed:
// losing one log line must never lose an enrollment advance.
func (o *Orchestrator) appendLog(ctx context.Context, e *domain.Enrollment, stepID *string, event string, meta map[string]any) {
	entry := &domain.CampaignLogEntry{
		ContactID:  e.ContactID,
		CampaignID: e.CampaignID,
		StepID:     stepID,
		Event:      event,
		Metadata:   meta,
	}
	if err := o.audit.Append(ctx, entry); err != nil {
		log.Printf("[Orchestrator] audit append %s for enrollment %s: %v", event, e.ID, err)
	}
}

func stepIDPtr(step *domain.CampaignStep) *string {
	if step == nil {
		return nil
	}
	return &step.ID
}
