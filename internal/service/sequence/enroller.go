package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
)

// Enroller starts subscribers on sequences and applies operator actions.
type Enroller struct {
	repo   EnrollmentRepository
	policy TimePolicy
}

// NewEnroller creates an Enroller.
func NewEnroller(repo EnrollmentRepository, policy TimePolicy) *Enroller {
	return &Enroller{repo: repo, policy: policy}
}

// TriggerResult lists what a trigger event did.
type TriggerResult struct {
	Enrolled []domain.Enrollment `json:"enrolled"`
	// AlreadyEnrolled holds sequence ids the subscriber was already in.
	AlreadyEnrolled []string `json:"already_enrolled,omitempty"`
}

// Trigger enrolls the subscriber into every active sequence started by
// event. The first step is scheduled by the time policy relative to now; a
// sequence with no steps is due immediately and completes on the next pass.
func (s *Enroller) Trigger(ctx context.Context, event, subscriberID string, now time.Time) (*TriggerResult, error) {
	now = now.UTC()
	sub, err := s.repo.LoadSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}
	if sub.Status != domain.SubscriberActive {
		return nil, fmt.Errorf("subscriber %s is %s: %w", sub.ID, sub.Status, ErrInvalidState)
	}

	seqs, err := s.repo.ListSequencesByTrigger(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("list sequences for %q: %w", event, err)
	}

	res := &TriggerResult{}
	for _, seq := range seqs {
		if seq.Status != domain.SequenceActive {
			continue
		}
		first, err := s.repo.LoadStepAtPosition(ctx, seq.ID, 1)
		if err != nil {
			return res, fmt.Errorf("load first step of %s: %w", seq.ID, err)
		}
		next := now
		if first != nil {
			next = s.policy.NextSendTime(first.Delay, now)
		}
		e := domain.Enrollment{
			ID:           uuid.NewString(),
			SubscriberID: sub.ID,
			SequenceID:   seq.ID,
			Status:       domain.EnrollmentActive,
			NextSendAt:   &next,
			EnrolledAt:   now,
		}
		err = s.repo.CreateEnrollment(ctx, &e)
		if errors.Is(err, ErrAlreadyEnrolled) {
			res.AlreadyEnrolled = append(res.AlreadyEnrolled, seq.ID)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("enroll in %s: %w", seq.ID, err)
		}
		logger.Info("[Enroller] subscriber enrolled",
			"subscriber_id", sub.ID, "sequence_id", seq.ID, "trigger", event, "next_send_at", next)
		res.Enrolled = append(res.Enrolled, e)
	}
	return res, nil
}

// Unsubscribe marks the subscriber with this address unsubscribed and pauses
// its active enrollments. It returns how many enrollments were paused.
func (s *Enroller) Unsubscribe(ctx context.Context, email string, now time.Time) (int, error) {
	if err := checkmail.ValidateFormat(email); err != nil {
		return 0, fmt.Errorf("%q: %w", email, ErrInvalidEmail)
	}
	sub, err := s.repo.FindSubscriberByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return 0, err
	}
	n, err := s.repo.UnsubscribeSubscriber(ctx, sub.ID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("unsubscribe %s: %w", sub.ID, err)
	}
	logger.Info("[Enroller] subscriber unsubscribed", "subscriber_id", sub.ID, "email", sub.Email, "paused", n)
	return n, nil
}

// Pause stops an active enrollment from being selected. A send already in
// flight for it completes.
func (s *Enroller) Pause(ctx context.Context, enrollmentID string) error {
	if err := s.repo.PauseEnrollment(ctx, enrollmentID); err != nil {
		return fmt.Errorf("pause %s: %w", enrollmentID, err)
	}
	logger.Info("[Enroller] enrollment paused", "enrollment_id", enrollmentID)
	return nil
}

// Resume re-activates a paused enrollment. Its schedule is kept; an
// enrollment without a next send time becomes due now.
func (s *Enroller) Resume(ctx context.Context, enrollmentID string, now time.Time) error {
	if err := s.repo.ResumeEnrollment(ctx, enrollmentID, now.UTC()); err != nil {
		return fmt.Errorf("resume %s: %w", enrollmentID, err)
	}
	logger.Info("[Enroller] enrollment resumed", "enrollment_id", enrollmentID)
	return nil
}
