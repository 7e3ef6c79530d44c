package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/brokerloop/crm/internal/service/enrollment"
	"github.com/brokerloop/crm/internal/worker"
)

// TickRunner runs one engine tick. Satisfied by *worker.Orchestrator.
type TickRunner interface {
	Tick(ctx context.Context) *worker.TickSummary
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	ticker      TickRunner
	enrollments *enrollment.Service
	startedAt   time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(ticker TickRunner, enrollments *enrollment.Service) *Handlers {
	return &Handlers{ticker: ticker, enrollments: enrollments, startedAt: time.Now()}
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// TriggerTick runs one synchronous engine tick and returns its summary. The
// caller is the scheduler (or an operator poking the engine by hand); the
// response always carries the full error list so a failed batch is visible
// without log access.
func (h *Handlers) TriggerTick(w http.ResponseWriter, r *http.Request) {
	summary := h.ticker.Tick(r.Context())
	respondJSON(w, http.StatusOK, summary)
}

type enrollmentRequest struct {
	ContactID  string `json:"contact_id"`
	CampaignID string `json:"campaign_id"`
}

func (req *enrollmentRequest) validate() string {
	if req.ContactID == "" {
		return "contact_id is required"
	}
	if req.CampaignID == "" {
		return "campaign_id is required"
	}
	return ""
}

// CreateEnrollment enrolls a contact into a campaign.
func (h *Handlers) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	e, err := h.enrollments.Enroll(r.Context(), req.ContactID, req.CampaignID)
	if err != nil {
		respondEnrollmentError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

// HandleReply applies the stop-on-reply signal for a contact and campaign.
func (h *Handlers) HandleReply(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	n, err := h.enrollments.HandleReply(r.Context(), req.ContactID, req.CampaignID)
	if err != nil {
		respondEnrollmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"paused": n})
}

// ResumeEnrollment reactivates a paused enrollment.
func (h *Handlers) ResumeEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	n, err := h.enrollments.Resume(r.Context(), req.ContactID, req.CampaignID)
	if err != nil {
		respondEnrollmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

func respondEnrollmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrCampaignNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, enrollment.ErrAlreadyEnrolled), errors.Is(err, enrollment.ErrRecentlyContacted):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, enrollment.ErrCampaignInactive), errors.Is(err, enrollment.ErrEmptyCampaign):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
