package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/repository/memory"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
)

var t0 = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.PutSequence(domain.Sequence{ID: "seq", Trigger: "signup", Status: domain.SequenceActive})
	s.PutSequence(domain.Sequence{ID: "old", Trigger: "signup", Status: domain.SequenceArchived})
	s.PutStep(domain.SequenceStep{SequenceID: "seq", Position: 1})
	s.PutStep(domain.SequenceStep{SequenceID: "seq", Position: 2})
	s.PutSubscriber(domain.Subscriber{ID: "sub", Email: "Jane@Example.com", Status: domain.SubscriberActive})
	s.PutSubscriber(domain.Subscriber{ID: "gone", Email: "gone@example.com", Status: domain.SubscriberUnsubscribed})
	due := t0.Add(-time.Minute)
	later := t0.Add(time.Hour)
	s.PutEnrollment(domain.Enrollment{ID: "e1", SubscriberID: "sub", SequenceID: "seq", Status: domain.EnrollmentActive, NextSendAt: &due})
	s.PutEnrollment(domain.Enrollment{ID: "e2", SubscriberID: "sub", SequenceID: "old", Status: domain.EnrollmentActive, NextSendAt: &due})
	s.PutEnrollment(domain.Enrollment{ID: "e3", SubscriberID: "gone", SequenceID: "seq", Status: domain.EnrollmentActive, NextSendAt: &due})
	s.PutEnrollment(domain.Enrollment{ID: "e4", SubscriberID: "sub", SequenceID: "seq", Status: domain.EnrollmentActive, NextSendAt: &later})
	s.PutEnrollment(domain.Enrollment{ID: "e5", SubscriberID: "sub", SequenceID: "seq", Status: domain.EnrollmentCompleted, NextSendAt: &due})
	return s
}

func TestLoadDueEnrollments_Filters(t *testing.T) {
	s := seed(t)
	got, err := s.LoadDueEnrollments(context.Background(), t0, 10)
	if err != nil {
		t.Fatalf("LoadDueEnrollments: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("expected only e1, got %+v", got)
	}
}

func TestMarkSendAttempt_OneSentPerPosition(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	a, _ := s.CreateSendAttempt(ctx, "e1", 1)
	b, _ := s.CreateSendAttempt(ctx, "e1", 1)

	if err := s.MarkSendAttempt(ctx, a.ID, domain.AttemptSent, sequence.AttemptOutcome{ProviderMessageID: "m1"}); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	err := s.MarkSendAttempt(ctx, b.ID, domain.AttemptSent, sequence.AttemptOutcome{ProviderMessageID: "m2"})
	if !errors.Is(err, sequence.ErrDuplicateSend) {
		t.Fatalf("expected ErrDuplicateSend, got %v", err)
	}
	found, _ := s.FindSendAttempt(ctx, "e1", 1)
	if found == nil || found.ProviderMessageID != "m1" {
		t.Fatalf("FindSendAttempt should return the sent attempt, got %+v", found)
	}
}

func TestAdvanceEnrollment_Monotonic(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	next := t0.Add(48 * time.Hour)
	if err := s.AdvanceEnrollment(ctx, "e1", 1, &next); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.AdvanceEnrollment(ctx, "e1", 1, &next); !errors.Is(err, sequence.ErrStaleEnrollment) {
		t.Fatalf("expected ErrStaleEnrollment, got %v", err)
	}
	e, _ := s.Enrollment("e1")
	if e.CurrentPosition != 1 || !e.NextSendAt.Equal(next) {
		t.Fatalf("unexpected enrollment %+v", e)
	}
}

func TestCreateEnrollment_Unique(t *testing.T) {
	s := seed(t)
	err := s.CreateEnrollment(context.Background(), &domain.Enrollment{SubscriberID: "sub", SequenceID: "seq"})
	if !errors.Is(err, sequence.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestUnsubscribeSubscriber_PausesActive(t *testing.T) {
	s := seed(t)
	n, err := s.UnsubscribeSubscriber(context.Background(), "sub", t0)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n != 3 {
		t.Fatalf("paused %d, want 3", n)
	}
	if e, _ := s.Enrollment("e5"); e.Status != domain.EnrollmentCompleted {
		t.Fatalf("completed enrollment must stay completed, got %s", e.Status)
	}
	sub, _ := s.FindSubscriberByEmail(context.Background(), "jane@example.com")
	if sub.Status != domain.SubscriberUnsubscribed || sub.UnsubscribedAt == nil {
		t.Fatalf("subscriber not unsubscribed: %+v", sub)
	}
}

func TestPauseResume(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	if err := s.ResumeEnrollment(ctx, "e1", t0); !errors.Is(err, sequence.ErrInvalidState) {
		t.Fatalf("resume of active: %v", err)
	}
	if err := s.PauseEnrollment(ctx, "e1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.ResumeEnrollment(ctx, "e1", t0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.PauseEnrollment(ctx, "missing"); !errors.Is(err, sequence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteEnrollment_OnlyActive(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	if err := s.PauseEnrollment(ctx, "e1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.CompleteEnrollment(ctx, "e1", 2, t0); !errors.Is(err, sequence.ErrInvalidState) {
		t.Fatalf("complete of paused: %v", err)
	}
	if e, _ := s.Enrollment("e1"); e.Status != domain.EnrollmentPaused || e.CompletedAt != nil {
		t.Fatalf("paused enrollment changed: %+v", e)
	}
	if err := s.CompleteEnrollment(ctx, "e4", 2, t0); err != nil {
		t.Fatalf("complete of active: %v", err)
	}
	if err := s.CompleteEnrollment(ctx, "missing", 2, t0); !errors.Is(err, sequence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSequence(t *testing.T) {
	s := seed(t)
	seq, err := s.LoadSequence(context.Background(), "old")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if seq.Status != domain.SequenceArchived {
		t.Fatalf("status = %s", seq.Status)
	}
	if _, err := s.LoadSequence(context.Background(), "missing"); !errors.Is(err, sequence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
