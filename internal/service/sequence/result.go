package sequence

import (
	"sort"
	"time"
)

// Outcome is what happened to one enrollment during a pass.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

// ErrorKind classifies a failed outcome.
type ErrorKind string

const (
	// KindTransientDelivery: the provider rejected or failed the send. The
	// enrollment is unchanged and retried next pass.
	KindTransientDelivery ErrorKind = "transient_delivery"
	// KindDataIntegrity: the sequence definition is broken (missing step,
	// unparseable template). Needs an operator.
	KindDataIntegrity ErrorKind = "data_integrity"
	// KindStore: reading or writing enrollment state failed.
	KindStore ErrorKind = "store"
)

// Detail describes the processing of one enrollment.
type Detail struct {
	EnrollmentID string     `json:"enrollment_id"`
	SequenceID   string     `json:"sequence_id"`
	Position     int        `json:"position"`
	Outcome      Outcome    `json:"outcome"`
	Kind         ErrorKind  `json:"kind,omitempty"`
	Message      string     `json:"message,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	Completed    bool       `json:"completed,omitempty"`
	NextSendAt   *time.Time `json:"next_send_at,omitempty"`
}

// Result summarizes a pass. Completed counts enrollments that reached their
// end during the pass, including those whose last step was just sent.
type Result struct {
	RanAt      time.Time `json:"ran_at"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Completed  int       `json:"completed"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Details    []Detail  `json:"details"`
}

func (r *Result) record(d Detail) {
	r.Processed++
	switch d.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeSkipped:
		r.Skipped++
	}
	if d.Completed {
		r.Completed++
	}
	r.Details = append(r.Details, d)
}

func (r *Result) sortDetails() {
	sort.Slice(r.Details, func(i, j int) bool {
		return r.Details[i].EnrollmentID < r.Details[j].EnrollmentID
	})
}

// Failures returns the failed details.
func (r *Result) Failures() []Detail {
	var out []Detail
	for _, d := range r.Details {
		if d.Outcome == OutcomeFailed {
			out = append(out, d)
		}
	}
	return out
}
