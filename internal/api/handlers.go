package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/httputil"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
)

// PassRunner runs one processing pass.
type PassRunner interface {
	ProcessPass(ctx context.Context, now time.Time) (*sequence.Result, error)
}

// EnrollmentService manages enrollments on behalf of the site.
type EnrollmentService interface {
	Trigger(ctx context.Context, event, subscriberID string, now time.Time) (*sequence.TriggerResult, error)
	Unsubscribe(ctx context.Context, email string, now time.Time) (int, error)
	Pause(ctx context.Context, enrollmentID string) error
	Resume(ctx context.Context, enrollmentID string, now time.Time) error
}

// TokenVerifier checks signed unsubscribe links.
type TokenVerifier interface {
	Verify(email, token string) bool
}

// Handlers contains the HTTP handlers for the drip API.
type Handlers struct {
	runner      PassRunner
	enrollments EnrollmentService
	tokens      TokenVerifier
	now         func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(runner PassRunner, enrollments EnrollmentService, tokens TokenVerifier) *Handlers {
	return &Handlers{runner: runner, enrollments: enrollments, tokens: tokens, now: time.Now}
}

// ProcessSequences runs a pass immediately.
//
//	POST /api/sequences/process
func (h *Handlers) ProcessSequences(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.ProcessPass(r.Context(), h.now())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

type triggerRequest struct {
	Event        string `json:"event" validate:"required,max=100"`
	SubscriberID string `json:"subscriber_id" validate:"required"`
}

// TriggerEnrollment enrolls a subscriber into every active sequence started
// by event.
//
//	POST /api/enrollments/trigger
func (h *Handlers) TriggerEnrollment(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	res, err := h.enrollments.Trigger(r.Context(), req.Event, req.SubscriberID, h.now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(res.Enrolled) > 0 {
		httputil.Created(w, res)
		return
	}
	httputil.OK(w, res)
}

// PauseEnrollment stops sends for one enrollment.
//
//	POST /api/enrollments/{id}/pause
func (h *Handlers) PauseEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.enrollments.Pause(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": id, "status": "paused"})
}

// ResumeEnrollment re-activates a paused enrollment.
//
//	POST /api/enrollments/{id}/resume
func (h *Handlers) ResumeEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.enrollments.Resume(r.Context(), id, h.now()); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": id, "status": "active"})
}

const unsubscribedPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body><p>You have been unsubscribed and will no longer receive these emails.</p></body></html>
`

// Unsubscribe handles signed one-click links from drip emails. An unknown
// address gets the same confirmation so the link cannot reveal who is subscribed.
//
//	GET /unsubscribe?email=&token=
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	token := r.URL.Query().Get("token")
	if email == "" || token == "" || !h.tokens.Verify(email, token) {
		httputil.BadRequest(w, "invalid unsubscribe link")
		return
	}

	paused, err := h.enrollments.Unsubscribe(r.Context(), email, h.now())
	switch {
	case err == nil:
		logger.Info("[API] unsubscribed", "email", email, "paused", paused)
	case errors.Is(err, sequence.ErrNotFound):
		logger.Info("[API] unsubscribe for unknown address", "email", email)
	default:
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, unsubscribedPage)
}

// writeServiceError maps sequence errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sequence.ErrNotFound):
		httputil.NotFound(w, "not found")
	case errors.Is(err, sequence.ErrInvalidState),
		errors.Is(err, sequence.ErrAlreadyEnrolled),
		errors.Is(err, sequence.ErrSequenceInactive):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, sequence.ErrInvalidEmail):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
