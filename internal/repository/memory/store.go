// Package memory is an in-process implementation of the sequence stores. It
// backs tests and local runs without Postgres, and enforces the same
// uniqueness rules as the database schema.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
)

// Store implements sequence.Store and sequence.EnrollmentRepository.
type Store struct {
	mu          sync.Mutex
	sequences   map[string]domain.Sequence
	steps       map[string]map[int]domain.SequenceStep // sequence id -> position
	subscribers map[string]domain.Subscriber
	enrollments map[string]domain.Enrollment
	attempts    []domain.SendAttempt
	now         func() time.Time
}

var (
	_ sequence.Store                = (*Store)(nil)
	_ sequence.EnrollmentRepository = (*Store)(nil)
)

func New() *Store {
	return &Store{
		sequences:   make(map[string]domain.Sequence),
		steps:       make(map[string]map[int]domain.SequenceStep),
		subscribers: make(map[string]domain.Subscriber),
		enrollments: make(map[string]domain.Enrollment),
		now:         time.Now,
	}
}

// PutSequence inserts or replaces a sequence.
func (s *Store) PutSequence(seq domain.Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[seq.ID] = seq
}

// PutStep inserts or replaces the step at step.Position.
func (s *Store) PutStep(step domain.SequenceStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[step.SequenceID] == nil {
		s.steps[step.SequenceID] = make(map[int]domain.SequenceStep)
	}
	s.steps[step.SequenceID][step.Position] = step
}

// PutSubscriber inserts or replaces a subscriber.
func (s *Store) PutSubscriber(sub domain.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
}

// PutEnrollment inserts or replaces an enrollment without uniqueness checks.
func (s *Store) PutEnrollment(e domain.Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[e.ID] = copyEnrollment(e)
}

// Enrollment returns a copy of the enrollment, or false.
func (s *Store) Enrollment(id string) (domain.Enrollment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	return copyEnrollment(e), ok
}

// Attempts returns the attempts recorded for an enrollment in creation order.
func (s *Store) Attempts(enrollmentID string) []domain.SendAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SendAttempt
	for _, a := range s.attempts {
		if a.EnrollmentID == enrollmentID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) LoadDueEnrollments(_ context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if !e.IsDue(now) {
			continue
		}
		if seq, ok := s.sequences[e.SequenceID]; !ok || seq.Status != domain.SequenceActive {
			continue
		}
		if sub, ok := s.subscribers[e.SubscriberID]; !ok || sub.Status != domain.SubscriberActive {
			continue
		}
		out = append(out, copyEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextSendAt.Equal(*out[j].NextSendAt) {
			return out[i].NextSendAt.Before(*out[j].NextSendAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LoadEnrollment(_ context.Context, id string) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, sequence.ErrNotFound
	}
	cp := copyEnrollment(e)
	return &cp, nil
}

func (s *Store) LoadStepAtPosition(_ context.Context, sequenceID string, position int) (*domain.SequenceStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[sequenceID][position]
	if !ok {
		return nil, nil
	}
	return &step, nil
}

func (s *Store) HasStepAfter(_ context.Context, sequenceID string, position int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.steps[sequenceID] {
		if p > position {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) LoadSubscriber(_ context.Context, id string) (*domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, sequence.ErrNotFound
	}
	return &sub, nil
}

func (s *Store) LoadSequence(_ context.Context, id string) (*domain.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, sequence.ErrNotFound
	}
	return &seq, nil
}

func (s *Store) FindSubscriberByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = domain.NormalizeEmail(email)
	for _, sub := range s.subscribers {
		if domain.NormalizeEmail(sub.Email) == email {
			return &sub, nil
		}
	}
	return nil, sequence.ErrNotFound
}

func (s *Store) FindSendAttempt(_ context.Context, enrollmentID string, position int) (*domain.SendAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.SendAttempt
	for i := range s.attempts {
		a := s.attempts[i]
		if a.EnrollmentID != enrollmentID || a.Position != position {
			continue
		}
		if a.Status == domain.AttemptSent {
			return &a, nil
		}
		latest = &a
	}
	return latest, nil
}

func (s *Store) CountFailedAttempts(_ context.Context, enrollmentID string, position int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.EnrollmentID == enrollmentID && a.Position == position && a.Status == domain.AttemptFailed {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateSendAttempt(_ context.Context, enrollmentID string, position int) (*domain.SendAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[enrollmentID]; !ok {
		return nil, fmt.Errorf("create attempt for %s: %w", enrollmentID, sequence.ErrNotFound)
	}
	now := s.now().UTC()
	a := domain.SendAttempt{
		ID:           uuid.NewString(),
		EnrollmentID: enrollmentID,
		Position:     position,
		Status:       domain.AttemptPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.attempts = append(s.attempts, a)
	return &a, nil
}

func (s *Store) MarkSendAttempt(_ context.Context, attemptID string, status domain.AttemptStatus, outcome sequence.AttemptOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i := range s.attempts {
		if s.attempts[i].ID == attemptID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return sequence.ErrNotFound
	}
	a := &s.attempts[idx]
	if status == domain.AttemptSent {
		for _, other := range s.attempts {
			if other.ID != a.ID && other.EnrollmentID == a.EnrollmentID &&
				other.Position == a.Position && other.Status == domain.AttemptSent {
				return sequence.ErrDuplicateSend
			}
		}
	}
	a.Status = status
	a.ProviderMessageID = outcome.ProviderMessageID
	a.ErrorMessage = outcome.ErrorMessage
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) AdvanceEnrollment(_ context.Context, id string, newPosition int, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return sequence.ErrNotFound
	}
	if e.CurrentPosition >= newPosition {
		return sequence.ErrStaleEnrollment
	}
	e.CurrentPosition = newPosition
	e.NextSendAt = copyTime(next)
	s.enrollments[id] = e
	return nil
}

func (s *Store) CompleteEnrollment(_ context.Context, id string, finalPosition int, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return sequence.ErrNotFound
	}
	if e.Status != domain.EnrollmentActive {
		return sequence.ErrInvalidState
	}
	if finalPosition > e.CurrentPosition {
		e.CurrentPosition = finalPosition
	}
	at := completedAt.UTC()
	e.Status = domain.EnrollmentCompleted
	e.NextSendAt = nil
	e.CompletedAt = &at
	s.enrollments[id] = e
	return nil
}

func (s *Store) PauseEnrollment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return sequence.ErrNotFound
	}
	if e.Status != domain.EnrollmentActive {
		return sequence.ErrInvalidState
	}
	e.Status = domain.EnrollmentPaused
	s.enrollments[id] = e
	return nil
}

func (s *Store) ResumeEnrollment(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return sequence.ErrNotFound
	}
	if e.Status != domain.EnrollmentPaused {
		return sequence.ErrInvalidState
	}
	e.Status = domain.EnrollmentActive
	if e.NextSendAt == nil {
		at := now.UTC()
		e.NextSendAt = &at
	}
	s.enrollments[id] = e
	return nil
}

func (s *Store) ListSequencesByTrigger(_ context.Context, event string) ([]domain.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Sequence
	for _, seq := range s.sequences {
		if seq.Trigger == event && seq.Status == domain.SequenceActive {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.enrollments {
		if other.SubscriberID == e.SubscriberID && other.SequenceID == e.SequenceID {
			return sequence.ErrAlreadyEnrolled
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.enrollments[e.ID] = copyEnrollment(*e)
	return nil
}

func (s *Store) UnsubscribeSubscriber(_ context.Context, subscriberID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[subscriberID]
	if !ok {
		return 0, sequence.ErrNotFound
	}
	if sub.Status != domain.SubscriberUnsubscribed {
		t := at.UTC()
		sub.Status = domain.SubscriberUnsubscribed
		sub.UnsubscribedAt = &t
		s.subscribers[subscriberID] = sub
	}
	n := 0
	for id, e := range s.enrollments {
		if e.SubscriberID == subscriberID && e.Status == domain.EnrollmentActive {
			e.Status = domain.EnrollmentPaused
			s.enrollments[id] = e
			n++
		}
	}
	return n, nil
}

func copyEnrollment(e domain.Enrollment) domain.Enrollment {
	e.NextSendAt = copyTime(e.NextSendAt)
	e.CompletedAt = copyTime(e.CompletedAt)
	return e
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
