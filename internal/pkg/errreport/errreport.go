// Package errreport forwards failures that need an operator to Sentry.
package errreport

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matthewtrundle/BloomMac-sub009/internal/config"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
)

const flushTimeout = 2 * time.Second

// Init configures the global Sentry client. It returns a flush func to defer
// in main; with no DSN configured reporting is disabled and flush is a no-op.
func Init(cfg config.SentryConfig, release string) (flush func(), err error) {
	if cfg.DSN == "" {
		logger.Info("[Sentry] disabled (no DSN configured)")
		return func() {}, nil
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend:       scrub,
	})
	if err != nil {
		return func() {}, fmt.Errorf("sentry init: %w", err)
	}
	logger.Info("[Sentry] initialized", "environment", cfg.Environment)
	return func() { sentry.Flush(flushTimeout) }, nil
}

// scrub masks subscriber addresses before an event leaves the process.
func scrub(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.Message = logger.RedactText(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = logger.RedactText(event.Exception[i].Value)
	}
	return event
}

// Reporter captures store and data integrity failures from each pass.
// Transient delivery failures are retried by the next pass and are left to
// metrics.
type Reporter struct {
	capture func(*sentry.Event)
}

// NewReporter reports through the current global hub.
func NewReporter() *Reporter {
	return &Reporter{capture: func(e *sentry.Event) { sentry.CurrentHub().CaptureEvent(e) }}
}

// ObservePass implements sequence.PassObserver.
func (r *Reporter) ObservePass(res *sequence.Result, _ time.Duration) {
	for _, d := range res.Details {
		if !reportable(d) {
			continue
		}
		e := sentry.NewEvent()
		e.Level = sentry.LevelError
		e.Message = fmt.Sprintf("drip %s failure: %s", d.Kind, d.Message)
		e.Fingerprint = []string{"drip", string(d.Kind), d.SequenceID}
		e.Tags = map[string]string{
			"kind":          string(d.Kind),
			"sequence_id":   d.SequenceID,
			"enrollment_id": d.EnrollmentID,
			"position":      fmt.Sprint(d.Position),
		}
		r.capture(scrub(e, nil))
	}
}

func reportable(d sequence.Detail) bool {
	if d.Outcome != sequence.OutcomeFailed {
		return false
	}
	return d.Kind == sequence.KindStore || d.Kind == sequence.KindDataIntegrity
}
