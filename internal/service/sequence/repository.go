package sequence

import (
	"context"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
)

// Store is the data access contract the Processor needs. All times are UTC.
// Implementations must be safe for concurrent use.
type Store interface {
	// LoadDueEnrollments returns up to limit active enrollments with
	// next_send_at <= now whose sequence and subscriber are both active,
	// oldest first.
	LoadDueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error)

	// LoadEnrollment returns ErrNotFound if the enrollment does not exist.
	LoadEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error)

	// LoadStepAtPosition returns nil, nil when the sequence has no step at
	// position.
	LoadStepAtPosition(ctx context.Context, sequenceID string, position int) (*domain.SequenceStep, error)

	// HasStepAfter reports whether any step exists beyond position.
	HasStepAfter(ctx context.Context, sequenceID string, position int) (bool, error)

	LoadSubscriber(ctx context.Context, subscriberID string) (*domain.Subscriber, error)

	// LoadSequence returns ErrNotFound if the sequence does not exist.
	LoadSequence(ctx context.Context, sequenceID string) (*domain.Sequence, error)

	// FindSendAttempt returns the sent attempt for (enrollment, position) if
	// one exists, otherwise the most recent attempt, otherwise nil, nil.
	FindSendAttempt(ctx context.Context, enrollmentID string, position int) (*domain.SendAttempt, error)

	CountFailedAttempts(ctx context.Context, enrollmentID string, position int) (int, error)

	// CreateSendAttempt inserts a pending attempt.
	CreateSendAttempt(ctx context.Context, enrollmentID string, position int) (*domain.SendAttempt, error)

	// MarkSendAttempt records the outcome of an attempt. Marking a second
	// attempt sent for the same (enrollment, position) returns
	// ErrDuplicateSend.
	MarkSendAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, outcome AttemptOutcome) error

	// AdvanceEnrollment sets current_position and next_send_at. It only moves
	// forward; otherwise it returns ErrStaleEnrollment.
	AdvanceEnrollment(ctx context.Context, enrollmentID string, newPosition int, nextSendAt *time.Time) error

	// CompleteEnrollment marks an active enrollment completed at
	// finalPosition and clears next_send_at. It returns ErrInvalidState when
	// the enrollment is no longer active.
	CompleteEnrollment(ctx context.Context, enrollmentID string, finalPosition int, completedAt time.Time) error

	PauseEnrollment(ctx context.Context, enrollmentID string) error
}

// AttemptOutcome carries the provider result recorded on an attempt.
type AttemptOutcome struct {
	ProviderMessageID string
	ErrorMessage      string
}

// EnrollmentRepository is the data access contract the Enroller needs.
type EnrollmentRepository interface {
	// ListSequencesByTrigger returns active sequences started by event.
	ListSequencesByTrigger(ctx context.Context, event string) ([]domain.Sequence, error)

	LoadStepAtPosition(ctx context.Context, sequenceID string, position int) (*domain.SequenceStep, error)
	LoadSubscriber(ctx context.Context, subscriberID string) (*domain.Subscriber, error)
	FindSubscriberByEmail(ctx context.Context, email string) (*domain.Subscriber, error)

	// CreateEnrollment returns ErrAlreadyEnrolled when the subscriber is
	// already in the sequence.
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error

	LoadEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error)

	// UnsubscribeSubscriber sets the subscriber unsubscribed and pauses its
	// active enrollments. It returns the number of enrollments paused.
	UnsubscribeSubscriber(ctx context.Context, subscriberID string, at time.Time) (int, error)

	// PauseEnrollment pauses an active enrollment; ErrInvalidState otherwise.
	PauseEnrollment(ctx context.Context, enrollmentID string) error

	// ResumeEnrollment re-activates a paused enrollment. A nil next_send_at
	// is set to now.
	ResumeEnrollment(ctx context.Context, enrollmentID string, now time.Time) error
}
