package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerloop/crm/internal/dispatch"
	"github.com/brokerloop/crm/internal/domain"
	"github.com/brokerloop/crm/internal/render"
)

type fakeEmail struct {
	sent []string
	err  error
}

func (f *fakeEmail) Send(_ context.Context, to, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	return "em-1", nil
}

type fakeSMS struct {
	sent []string
	err  error
}

func (f *fakeSMS) Send(_ context.Context, to, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	return "sm-1", nil
}

func contact() *domain.Contact {
	return &domain.Contact{ID: "c-1", Email: "dana@example.com", Phone: "+15550100"}
}

var rendered = &render.Rendered{Subject: "Hi", Body: "Hello"}

func TestEmailStepDispatchesWhenPolicyAllows(t *testing.T) {
	for _, policy := range []domain.CampaignChannel{domain.ChannelEmail, domain.ChannelBoth} {
		email := &fakeEmail{}
		d := dispatch.NewDispatcher(email, &fakeSMS{})

		res, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepEmail}, policy, contact(), rendered)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Emails, "policy %s", policy)
		assert.Zero(t, res.SMS)
	}
}

func TestEmailStepSkippedUnderSMSOnlyPolicy(t *testing.T) {
	email := &fakeEmail{}
	d := dispatch.NewDispatcher(email, &fakeSMS{})

	res, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepEmail}, domain.ChannelSMS, contact(), rendered)
	require.NoError(t, err)
	assert.Zero(t, res.Emails)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, email.sent)
}

func TestSMSStepDispatchesWhenPolicyAllows(t *testing.T) {
	for _, policy := range []domain.CampaignChannel{domain.ChannelSMS, domain.ChannelBoth} {
		sms := &fakeSMS{}
		d := dispatch.NewDispatcher(&fakeEmail{}, sms)

		res, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepSMS}, policy, contact(), rendered)
		require.NoError(t, err)
		assert.Equal(t, 1, res.SMS, "policy %s", policy)
	}
}

func TestPropertyRecommendationDispatchesAsEmail(t *testing.T) {
	email := &fakeEmail{}
	d := dispatch.NewDispatcher(email, &fakeSMS{})

	res, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepPropertyRecommendation}, domain.ChannelBoth, contact(), rendered)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Emails)
	assert.Equal(t, []string{"dana@example.com"}, email.sent)
}

func TestMissingDestinationIsSilentSkip(t *testing.T) {
	d := dispatch.NewDispatcher(&fakeEmail{}, &fakeSMS{})

	noEmail := contact()
	noEmail.Email = ""
	res, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepEmail}, domain.ChannelEmail, noEmail, rendered)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	noPhone := contact()
	noPhone.Phone = ""
	res, err = d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepSMS}, domain.ChannelSMS, noPhone, rendered)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestProviderErrorPassesThroughTyped(t *testing.T) {
	want := &dispatch.ProviderError{Provider: "ses", Kind: dispatch.FailureAuth, Err: errors.New("denied")}
	d := dispatch.NewDispatcher(&fakeEmail{err: want}, nil)

	_, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepEmail}, domain.ChannelEmail, contact(), rendered)
	var pe *dispatch.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, dispatch.FailureAuth, pe.Kind)
	assert.False(t, pe.Retryable())
}

func TestUntypedProviderErrorClassifiedAsNetwork(t *testing.T) {
	d := dispatch.NewDispatcher(&fakeEmail{err: errors.New("connection reset")}, nil)

	_, err := d.Dispatch(context.Background(), &domain.CampaignStep{Kind: domain.StepEmail}, domain.ChannelEmail, contact(), rendered)
	var pe *dispatch.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, dispatch.FailureNetwork, pe.Kind)
	assert.True(t, pe.Retryable())
}

func TestRetryableMatrix(t *testing.T) {
	retryable := []dispatch.FailureKind{dispatch.FailureNetwork, dispatch.FailureTimeout, dispatch.FailureRateLimit}
	permanent := []dispatch.FailureKind{dispatch.FailureAuth, dispatch.FailureInvalidRecipient}

	for _, k := range retryable {
		pe := &dispatch.ProviderError{Kind: k}
		assert.True(t, pe.Retryable(), "kind %s", k)
	}
	for _, k := range permanent {
		pe := &dispatch.ProviderError{Kind: k}
		assert.False(t, pe.Retryable(), "kind %s", k)
	}
}

func TestTwilioSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550100", r.Form.Get("To"))
		assert.Equal(t, "+15550999", r.Form.Get("From"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	p := dispatch.NewTwilioSMSProvider("AC123", "token", "+15550999")
	p.SetBaseURL(srv.URL)

	sid, err := p.Send(context.Background(), "+15550100", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM42", sid)
}

func TestTwilioInvalidRecipient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	}))
	defer srv.Close()

	p := dispatch.NewTwilioSMSProvider("AC123", "token", "+15550999")
	p.SetBaseURL(srv.URL)

	_, err := p.Send(context.Background(), "bogus", "hello")
	var pe *dispatch.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, dispatch.FailureInvalidRecipient, pe.Kind)
}

func TestTwilioAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":20003,"message":"Authenticate","status":401}`))
	}))
	defer srv.Close()

	p := dispatch.NewTwilioSMSProvider("AC123", "bad", "+15550999")
	p.SetBaseURL(srv.URL)

	_, err := p.Send(context.Background(), "+15550100", "hello")
	var pe *dispatch.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, dispatch.FailureAuth, pe.Kind)
	assert.False(t, pe.Retryable())
}
