package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerloop/crm/internal/dispatch"
	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/render"
)

// --- in-memory stores ---

type memEnrollments struct {
	mu    sync.Mutex
	rows  map[string]*domain.Enrollment
	lease time.Duration
}

func newMemEnrollments() *memEnrollments {
	return &memEnrollments{rows: make(map[string]*domain.Enrollment), lease: 10 * time.Minute}
}

func (m *memEnrollments) add(e *domain.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.rows[e.ID] = &cp
}

func (m *memEnrollments) get(id string) domain.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memEnrollments) ClaimDueBatch(ctx context.Context, workerID string, now time.Time, limit int) ([]domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range m.rows {
		if len(out) >= limit {
			break
		}
		if e.Status != domain.EnrollmentActive || e.NextDue == nil || e.NextDue.After(now) {
			continue
		}
		if e.ClaimedAt != nil && e.ClaimedAt.After(now.Add(-m.lease)) {
			continue
		}
		e.ClaimedBy = &workerID
		t := now
		e.ClaimedAt = &t
		out = append(out, *e)
	}
	return out, nil
}

func (m *memEnrollments) claimed(id, workerID string) (*domain.Enrollment, error) {
	e, ok := m.rows[id]
	if !ok {
		return nil, errors.New("no such enrollment")
	}
	if e.ClaimedBy == nil || *e.ClaimedBy != workerID {
		return nil, ErrNotClaimed
	}
	return e, nil
}

func (m *memEnrollments) Advance(ctx context.Context, workerID, id string, currentStep int, nextDue *time.Time, status domain.EnrollmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.claimed(id, workerID)
	if err != nil {
		return err
	}
	e.CurrentStep = currentStep
	e.NextDue = nextDue
	e.Status = status
	e.RetryCount = 0
	e.ClaimedBy, e.ClaimedAt = nil, nil
	return nil
}

func (m *memEnrollments) ScheduleRetry(ctx context.Context, workerID, id string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.claimed(id, workerID)
	if err != nil {
		return err
	}
	e.NextDue = &retryAt
	e.RetryCount++
	e.ClaimedBy, e.ClaimedAt = nil, nil
	return nil
}

func (m *memEnrollments) Release(ctx context.Context, workerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.claimed(id, workerID)
	if err != nil {
		return err
	}
	e.ClaimedBy, e.ClaimedAt = nil, nil
	return nil
}

func (m *memEnrollments) Complete(ctx context.Context, workerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.claimed(id, workerID)
	if err != nil {
		return err
	}
	e.Status = domain.EnrollmentCompleted
	e.NextDue = nil
	e.ClaimedBy, e.ClaimedAt = nil, nil
	return nil
}

type memCampaigns struct {
	campaigns map[string]*domain.Campaign
	steps     map[string][]*domain.CampaignStep
}

func (m *memCampaigns) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return c, nil
}

func (m *memCampaigns) GetStep(ctx context.Context, campaignID string, number int) (*domain.CampaignStep, error) {
	for _, s := range m.steps[campaignID] {
		if s.StepNumber == number {
			return s, nil
		}
	}
	return nil, ErrStepNotFound
}

type memContacts struct {
	contacts map[string]*domain.Contact
}

func (m *memContacts) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	return c, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*domain.CampaignLogEntry
}

func (m *memAudit) Append(ctx context.Context, entry *domain.CampaignLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Event)
	}
	return out
}

func (m *memAudit) byEvent(event string) *domain.CampaignLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Event == event {
			return e
		}
	}
	return nil
}

type stubRenderer struct {
	err      error
	listings int
}

func (s *stubRenderer) Render(ctx context.Context, step *domain.CampaignStep, contact *domain.Contact, ownerName string) (*render.Rendered, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := &render.Rendered{Subject: step.Subject, Body: step.Body}
	if step.Kind == domain.StepPropertyRecommendation {
		out.ListingCount = s.listings
	}
	return out, nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (s *stubDispatcher) Dispatch(ctx context.Context, step *domain.CampaignStep, channel domain.CampaignChannel, contact *domain.Contact, r *render.Rendered) (*dispatch.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return &dispatch.Result{}, s.err
	}
	res := &dispatch.Result{}
	if step.Kind == domain.StepSMS {
		res.SMS = 1
	} else {
		res.Emails = 1
	}
	return res, nil
}

func (s *stubDispatcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- fixtures ---

var testRef = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	enrollments *memEnrollments
	campaigns   *memCampaigns
	contacts    *memContacts
	audit       *memAudit
	renderer    *stubRenderer
	dispatcher  *stubDispatcher
	orch        *Orchestrator
}

func newFixture(t *testing.T, steps []*domain.CampaignStep, mutate func(*domain.Campaign, *domain.Enrollment)) *fixture {
	t.Helper()

	campaign := &domain.Campaign{
		ID:        "camp-1",
		OwnerName: "Dana Reyes",
		Channel:   domain.ChannelBoth,
		Kind:      domain.KindSequence,
		IsActive:  true,
	}
	due := testRef.Add(-time.Minute)
	enrollment := &domain.Enrollment{
		ID:         "enr-1",
		ContactID:  "ct-1",
		CampaignID: "camp-1",
		Status:     domain.EnrollmentActive,
		NextDue:    &due,
	}
	if mutate != nil {
		mutate(campaign, enrollment)
	}

	f := &fixture{
		enrollments: newMemEnrollments(),
		campaigns: &memCampaigns{
			campaigns: map[string]*domain.Campaign{campaign.ID: campaign},
			steps:     map[string][]*domain.CampaignStep{campaign.ID: steps},
		},
		contacts: &memContacts{contacts: map[string]*domain.Contact{
			"ct-1": {ID: "ct-1", FirstName: "Priya", Email: "priya@example.com", Phone: "+15550100"},
		}},
		audit:      &memAudit{},
		renderer:   &stubRenderer{},
		dispatcher: &stubDispatcher{},
	}
	f.enrollments.add(enrollment)
	f.orch = NewOrchestrator(f.enrollments, f.campaigns, f.contacts, f.audit, f.renderer, f.dispatcher, nil, Options{
		RetryOffset: 15 * time.Minute,
		MaxRetries:  3,
	})
	f.orch.SetNow(func() time.Time { return testRef })
	return f
}

func emailStep(number int, delayHours int) *domain.CampaignStep {
	return &domain.CampaignStep{
		ID:           fmt.Sprintf("step-%d", number),
		CampaignID:   "camp-1",
		StepNumber:   number,
		Kind:         domain.StepEmail,
		Subject:      "Hi {{first_name}}",
		Body:         "Checking in",
		ScheduleType: domain.ScheduleDelay,
		DelayHours:   delayHours,
	}
}

// --- tests ---

func TestTickSendsAndCompletesSingleStepSequence(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, nil)

	summary := f.orch.Tick(context.Background())

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Emails)
	assert.Equal(t, 0, summary.SMS)
	assert.Empty(t, summary.Errors)

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Nil(t, e.NextDue)
	assert.Nil(t, e.ClaimedBy)

	assert.Equal(t, []string{"email_sent", "completed"}, f.audit.events())
	completed := f.audit.byEvent(domain.EventCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, 1, completed.Metadata["total_steps"])
}

func TestTickSchedulesFollowingStep(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0), emailStep(2, 24)}, nil)

	summary := f.orch.Tick(context.Background())
	require.Empty(t, summary.Errors)

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	require.NotNil(t, e.NextDue)
	assert.Equal(t, testRef.Add(24*time.Hour), *e.NextDue)
}

func TestTwoStepSequenceSchedulesEachStepByItsOwnDelay(t *testing.T) {
	enrolledAt := testRef
	firstDue := enrolledAt.Add(24 * time.Hour)
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 24), emailStep(2, 48)}, func(c *domain.Campaign, e *domain.Enrollment) {
		e.NextDue = &firstDue
	})

	now := enrolledAt
	f.orch.SetNow(func() time.Time { return now })
	tickAt := func(at time.Time) *TickSummary {
		now = at
		return f.orch.Tick(context.Background())
	}

	// A step's delay describes when that step itself fires, so nothing is
	// due until the first step's 24h have elapsed.
	summary := tickAt(enrolledAt)
	assert.Equal(t, 0, summary.Processed)

	summary = tickAt(firstDue)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Emails)

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	require.NotNil(t, e.NextDue)
	assert.Equal(t, firstDue.Add(48*time.Hour), *e.NextDue)

	// One hour past step 1 is still 47h short of step 2's own delay.
	summary = tickAt(firstDue.Add(time.Hour))
	assert.Equal(t, 0, summary.Processed)

	summary = tickAt(firstDue.Add(48 * time.Hour))
	assert.Equal(t, 1, summary.Processed)

	e = f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
	assert.Nil(t, e.NextDue)
	assert.Equal(t, 2, f.dispatcher.callCount())
	assert.Equal(t, []string{"email_sent", "email_sent", "completed"}, f.audit.events())

	completed := f.audit.byEvent(domain.EventCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, 2, completed.Metadata["total_steps"])
}

func TestTickBudgetReleasesUnreachedClaims(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, nil)
	due := testRef.Add(-time.Minute)
	f.enrollments.add(&domain.Enrollment{ID: "enr-2", ContactID: "ct-1", CampaignID: "camp-1", Status: domain.EnrollmentActive, NextDue: &due})
	f.enrollments.add(&domain.Enrollment{ID: "enr-3", ContactID: "ct-1", CampaignID: "camp-1", Status: domain.EnrollmentActive, NextDue: &due})
	f.dispatcher.delay = 300 * time.Millisecond

	f.orch = NewOrchestrator(f.enrollments, f.campaigns, f.contacts, f.audit, f.renderer, f.dispatcher, nil, Options{
		Workers:     1,
		TickBudget:  100 * time.Millisecond,
		RetryOffset: 15 * time.Minute,
		MaxRetries:  3,
	})
	f.orch.SetNow(func() time.Time { return testRef })

	summary := f.orch.Tick(context.Background())

	// The single worker is still mid-dispatch when the budget expires, so
	// exactly one enrollment is fed and the other two go back untouched.
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, f.dispatcher.callCount())
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "tick budget exhausted")
	assert.Contains(t, summary.Errors[0], "released 2 unprocessed claims")

	var completed, waiting int
	for _, id := range []string{"enr-1", "enr-2", "enr-3"} {
		e := f.enrollments.get(id)
		assert.Nil(t, e.ClaimedBy)
		assert.Nil(t, e.ClaimedAt)
		switch e.Status {
		case domain.EnrollmentCompleted:
			completed++
		case domain.EnrollmentActive:
			waiting++
			require.NotNil(t, e.NextDue)
			assert.Equal(t, due, *e.NextDue)
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, waiting)
}

func TestTickSkipsInactiveCampaignInPlace(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, func(c *domain.Campaign, e *domain.Enrollment) {
		c.IsActive = false
	})

	summary := f.orch.Tick(context.Background())

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Emails)
	assert.Equal(t, 0, f.dispatcher.callCount())
	assert.Empty(t, f.audit.events())

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	assert.Equal(t, 0, e.CurrentStep)
	require.NotNil(t, e.NextDue)
	assert.Equal(t, testRef.Add(-time.Minute), *e.NextDue)
	assert.Nil(t, e.ClaimedBy)
}

func TestTickCompletesExhaustedSequence(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, func(c *domain.Campaign, e *domain.Enrollment) {
		e.CurrentStep = 1
	})

	summary := f.orch.Tick(context.Background())
	require.Empty(t, summary.Errors)
	assert.Equal(t, 0, f.dispatcher.callCount())

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)

	completed := f.audit.byEvent(domain.EventCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, 1, completed.Metadata["total_steps"])
}

func TestTransientFailureSchedulesBoundedRetry(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, nil)
	f.dispatcher.err = &dispatch.ProviderError{Provider: "email", Kind: dispatch.FailureNetwork, Err: errors.New("connection reset")}

	summary := f.orch.Tick(context.Background())
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, 0, summary.Emails)

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	assert.Equal(t, 0, e.CurrentStep)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextDue)
	assert.Equal(t, testRef.Add(15*time.Minute), *e.NextDue)

	errEntry := f.audit.byEvent(domain.EventError)
	require.NotNil(t, errEntry)
	assert.Equal(t, 1, errEntry.Metadata["retry_count"])
}

func TestRetriesExhaustedForceCompletes(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, func(c *domain.Campaign, e *domain.Enrollment) {
		e.RetryCount = 3
	})
	f.dispatcher.err = &dispatch.ProviderError{Provider: "email", Kind: dispatch.FailureTimeout, Err: errors.New("deadline exceeded")}

	f.orch.Tick(context.Background())

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
	assert.Nil(t, e.NextDue)
	require.NotNil(t, f.audit.byEvent(domain.EventErrorTerminal))
}

func TestNonRetryableFailureForceCompletes(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, nil)
	f.dispatcher.err = &dispatch.ProviderError{Provider: "email", Kind: dispatch.FailureInvalidRecipient, Err: errors.New("bad mailbox")}

	f.orch.Tick(context.Background())

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	require.NotNil(t, f.audit.byEvent(domain.EventErrorTerminal))
	assert.Nil(t, f.audit.byEvent(domain.EventError))
}

func TestMissingContactForceCompletes(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, func(c *domain.Campaign, e *domain.Enrollment) {
		e.ContactID = "ghost"
	})

	summary := f.orch.Tick(context.Background())
	require.Len(t, summary.Errors, 1)

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
	require.NotNil(t, f.audit.byEvent(domain.EventErrorTerminal))
}

func TestNotDueEnrollmentIsUntouched(t *testing.T) {
	future := testRef.Add(time.Hour)
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, func(c *domain.Campaign, e *domain.Enrollment) {
		e.NextDue = &future
	})

	summary := f.orch.Tick(context.Background())
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, f.dispatcher.callCount())
}

func TestConcurrentTicksSendExactlyOnce(t *testing.T) {
	f := newFixture(t, []*domain.CampaignStep{emailStep(1, 0)}, nil)

	second := NewOrchestrator(f.enrollments, f.campaigns, f.contacts, f.audit, f.renderer, f.dispatcher, nil, Options{
		RetryOffset: 15 * time.Minute,
		MaxRetries:  3,
	})
	second.SetNow(func() time.Time { return testRef })

	var wg sync.WaitGroup
	totals := make([]*TickSummary, 2)
	for i, orch := range []*Orchestrator{f.orch, second} {
		wg.Add(1)
		go func(i int, o *Orchestrator) {
			defer wg.Done()
			totals[i] = o.Tick(context.Background())
		}(i, orch)
	}
	wg.Wait()

	assert.Equal(t, 1, f.dispatcher.callCount())
	assert.Equal(t, 1, totals[0].Emails+totals[1].Emails)
	assert.Equal(t, []string{"email_sent", "completed"}, f.audit.events())
}

func TestPropertyStepWithNoInventoryIsLoggedNoOp(t *testing.T) {
	step := emailStep(1, 0)
	step.Kind = domain.StepPropertyRecommendation
	f := newFixture(t, []*domain.CampaignStep{step}, nil)
	f.renderer.listings = 0

	summary := f.orch.Tick(context.Background())

	require.Empty(t, summary.Errors)
	assert.Equal(t, 0, summary.Emails)
	assert.Equal(t, 0, f.dispatcher.callCount())

	sent := f.audit.byEvent("property_recommendation_sent")
	require.NotNil(t, sent)
	assert.Equal(t, 0, sent.Metadata["listing_count"])

	e := f.enrollments.get("enr-1")
	assert.Equal(t, domain.EnrollmentCompleted, e.Status)
}

func TestPropertyStepWithInventoryDispatchesEmail(t *testing.T) {
	step := emailStep(1, 0)
	step.Kind = domain.StepPropertyRecommendation
	f := newFixture(t, []*domain.CampaignStep{step}, nil)
	f.renderer.listings = 3

	summary := f.orch.Tick(context.Background())

	require.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.Emails)
	assert.Equal(t, 1, f.dispatcher.callCount())

	sent := f.audit.byEvent("property_recommendation_sent")
	require.NotNil(t, sent)
	assert.Equal(t, 3, sent.Metadata["listing_count"])
}

func TestSMSStepCountsSMS(t *testing.T) {
	step := emailStep(1, 0)
	step.Kind = domain.StepSMS
	f := newFixture(t, []*domain.CampaignStep{step}, nil)

	summary := f.orch.Tick(context.Background())

	assert.Equal(t, 0, summary.Emails)
	assert.Equal(t, 1, summary.SMS)
	assert.Equal(t, []string{"sms_sent", "completed"}, f.audit.events())
}
