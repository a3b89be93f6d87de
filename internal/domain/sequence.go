package domain

import "time"

// SequenceStatus enumerates the lifecycle states of a sequence.
type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

// Sequence is an ordered series of email steps started by a trigger event
// such as "newsletter_signup". Sequences are archived, never hard-deleted.
type Sequence struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Trigger   string         `json:"trigger" db:"trigger_event"`
	Status    SequenceStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// DelaySpec is the wait between the previous send (or enrollment, for the
// first step) and this step. Hours are elapsed hours; Days are calendar days.
type DelaySpec struct {
	Hours uint `json:"hours" db:"delay_hours"`
	Days  uint `json:"days" db:"delay_days"`
}

// IsZero reports whether the step is due immediately.
func (d DelaySpec) IsZero() bool { return d.Hours == 0 && d.Days == 0 }

// SequenceStep is one email in a sequence. Positions start at 1 and are
// contiguous; a gap is a data error.
type SequenceStep struct {
	ID         string    `json:"id" db:"id"`
	SequenceID string    `json:"sequence_id" db:"sequence_id"`
	Position   int       `json:"position" db:"position"`
	Subject    string    `json:"subject" db:"subject"`
	Body       string    `json:"body" db:"content"`
	Delay      DelaySpec `json:"delay"`
}
