package domain

import "time"

// EnrollmentStatus enumerates the states of a subscriber's progress through a
// sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
)

// Enrollment tracks one subscriber in one sequence. CurrentPosition is the
// last step successfully sent; 0 means nothing has been sent yet. NextSendAt
// is nil once the enrollment completes.
type Enrollment struct {
	ID              string           `json:"id" db:"id"`
	SubscriberID    string           `json:"subscriber_id" db:"subscriber_id"`
	SequenceID      string           `json:"sequence_id" db:"sequence_id"`
	Status          EnrollmentStatus `json:"status" db:"status"`
	CurrentPosition int              `json:"current_position" db:"current_position"`
	NextSendAt      *time.Time       `json:"next_send_at,omitempty" db:"next_send_at"`
	EnrolledAt      time.Time        `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// IsDue reports whether the enrollment should be processed at now.
func (e Enrollment) IsDue(now time.Time) bool {
	return e.Status == EnrollmentActive && e.NextSendAt != nil && !e.NextSendAt.After(now)
}

// AttemptStatus enumerates the states of a single delivery attempt.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSent    AttemptStatus = "sent"
	AttemptFailed  AttemptStatus = "failed"
)

// SendAttempt is the audit row for one try at delivering one step to one
// enrollment. At most one attempt per (EnrollmentID, Position) may be sent.
type SendAttempt struct {
	ID                string        `json:"id" db:"id"`
	EnrollmentID      string        `json:"enrollment_id" db:"enrollment_id"`
	Position          int           `json:"position" db:"position"`
	Status            AttemptStatus `json:"status" db:"status"`
	ProviderMessageID string        `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorMessage      string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}
