package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/content"
	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/metrics"
	"github.com/matthewtrundle/BloomMac-sub009/internal/repository/memory"
	"github.com/matthewtrundle/BloomMac-sub009/internal/schedule"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

var testNow = time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC) // Monday

type stubRunner struct {
	res *sequence.Result
	err error
	at  time.Time
}

func (s *stubRunner) ProcessPass(_ context.Context, now time.Time) (*sequence.Result, error) {
	s.at = now
	return s.res, s.err
}

type testEnv struct {
	router http.Handler
	store  *memory.Store
	runner *stubRunner
	linker *content.UnsubscribeLinker
}

func setupTestHandlers(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	store.PutSequence(domain.Sequence{ID: "welcome", Trigger: "newsletter_signup", Status: domain.SequenceActive})
	store.PutStep(domain.SequenceStep{SequenceID: "welcome", Position: 1, Delay: domain.DelaySpec{Hours: 1}})
	store.PutSubscriber(domain.Subscriber{ID: "sub", Email: "ana@example.com", Status: domain.SubscriberActive})

	runner := &stubRunner{res: &sequence.Result{RanAt: testNow, Details: []sequence.Detail{}}}
	linker := content.NewUnsubscribeLinker("https://example.com", "signing-key")
	h := NewHandlers(runner, sequence.NewEnroller(store, schedule.Default()), linker)
	h.now = func() time.Time { return testNow }

	reg := prometheus.NewRegistry()
	router := SetupRoutes(h, NewHealthChecker(nil, nil, "test"), RouterConfig{
		AdminToken: testToken,
		Metrics:    metrics.New(reg),
		Gatherer:   reg,
	})
	return &testEnv{router: router, store: store, runner: runner, linker: linker}
}

func (e *testEnv) do(method, path string, body any, auth bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RequiresToken(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(http.MethodPost, "/api/sequences/process", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sequences/process", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcessSequences(t *testing.T) {
	env := setupTestHandlers(t)
	env.runner.res.Sent = 3

	rec := env.do(http.MethodPost, "/api/sequences/process", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testNow, env.runner.at)

	var res sequence.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Sent)
}

func TestProcessSequences_LoadFailureIs500(t *testing.T) {
	env := setupTestHandlers(t)
	env.runner.err = errors.New("connection refused")

	rec := env.do(http.MethodPost, "/api/sequences/process", nil, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestTriggerEnrollment(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(http.MethodPost, "/api/enrollments/trigger",
		map[string]string{"event": "newsletter_signup", "subscriber_id": "sub"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res sequence.TriggerResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Enrolled, 1)
	assert.Equal(t, "welcome", res.Enrolled[0].SequenceID)

	rec = env.do(http.MethodPost, "/api/enrollments/trigger",
		map[string]string{"event": "newsletter_signup", "subscriber_id": "sub"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []string{"welcome"}, res.AlreadyEnrolled)
}

func TestTriggerEnrollment_Validation(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(http.MethodPost, "/api/enrollments/trigger", map[string]string{"event": "newsletter_signup"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	rec = env.do(http.MethodPost, "/api/enrollments/trigger",
		map[string]string{"event": "newsletter_signup", "subscriber_id": "ghost"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResume(t *testing.T) {
	env := setupTestHandlers(t)
	next := testNow.Add(time.Hour)
	env.store.PutEnrollment(domain.Enrollment{
		ID: "e1", SubscriberID: "sub", SequenceID: "welcome",
		Status: domain.EnrollmentActive, NextSendAt: &next, EnrolledAt: testNow,
	})

	rec := env.do(http.MethodPost, "/api/enrollments/e1/pause", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	e, _ := env.store.Enrollment("e1")
	assert.Equal(t, domain.EnrollmentPaused, e.Status)

	rec = env.do(http.MethodPost, "/api/enrollments/e1/pause", nil, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/enrollments/e1/resume", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	e, _ = env.store.Enrollment("e1")
	assert.Equal(t, domain.EnrollmentActive, e.Status)

	rec = env.do(http.MethodPost, "/api/enrollments/missing/resume", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnsubscribe(t *testing.T) {
	env := setupTestHandlers(t)
	next := testNow.Add(time.Hour)
	env.store.PutEnrollment(domain.Enrollment{
		ID: "e1", SubscriberID: "sub", SequenceID: "welcome",
		Status: domain.EnrollmentActive, NextSendAt: &next, EnrolledAt: testNow,
	})

	link, err := url.Parse(env.linker.URL("ana@example.com"))
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/unsubscribe?"+link.RawQuery, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsubscribed")

	e, _ := env.store.Enrollment("e1")
	assert.Equal(t, domain.EnrollmentPaused, e.Status)
}

func TestUnsubscribe_BadToken(t *testing.T) {
	env := setupTestHandlers(t)

	q := url.Values{"email": {"ana@example.com"}, "token": {"deadbeefdeadbeef"}}
	rec := env.do(http.MethodGet, "/unsubscribe?"+q.Encode(), nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/unsubscribe?email=ana@example.com", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsubscribe_UnknownAddressLooksTheSame(t *testing.T) {
	env := setupTestHandlers(t)

	link, err := url.Parse(env.linker.URL("nobody@example.com"))
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/unsubscribe?"+link.RawQuery, nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestHandlers(t)
	env.do(http.MethodGet, "/health/live", nil, false)

	rec := env.do(http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
