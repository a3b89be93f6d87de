package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// SequenceStore implements sequence.Store and sequence.EnrollmentRepository
// against PostgreSQL.
type SequenceStore struct{ db *sql.DB }

var (
	_ sequence.Store                = (*SequenceStore)(nil)
	_ sequence.EnrollmentRepository = (*SequenceStore)(nil)
)

// NewSequenceStore creates a Postgres-backed sequence store.
func NewSequenceStore(db *sql.DB) *SequenceStore { return &SequenceStore{db: db} }

const enrollmentColumns = `e.id, e.subscriber_id, e.sequence_id, e.status, e.current_position,
	e.next_send_at, e.enrolled_at, e.completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	var (
		e         domain.Enrollment
		next      sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.SubscriberID, &e.SequenceID, &e.Status, &e.CurrentPosition,
		&next, &e.EnrolledAt, &completed); err != nil {
		return nil, err
	}
	e.EnrolledAt = e.EnrolledAt.UTC()
	if next.Valid {
		t := next.Time.UTC()
		e.NextSendAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		e.CompletedAt = &t
	}
	return &e, nil
}

func (r *SequenceStore) LoadDueEnrollments(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM subscriber_sequences e
		JOIN email_sequences s ON s.id = e.sequence_id
		JOIN subscribers sub ON sub.id = e.subscriber_id
		WHERE e.status = 'active'
		  AND e.next_send_at IS NOT NULL
		  AND e.next_send_at <= $1
		  AND s.status = 'active'
		  AND sub.status = 'active'
		ORDER BY e.next_send_at ASC, e.id ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *SequenceStore) LoadEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM subscriber_sequences e WHERE e.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	return e, nil
}

func (r *SequenceStore) LoadStepAtPosition(ctx context.Context, sequenceID string, position int) (*domain.SequenceStep, error) {
	var s domain.SequenceStep
	err := r.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, position, subject, content, delay_hours, delay_days
		FROM sequence_emails
		WHERE sequence_id = $1 AND position = $2
	`, sequenceID, position).Scan(&s.ID, &s.SequenceID, &s.Position, &s.Subject, &s.Body, &s.Delay.Hours, &s.Delay.Days)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step %d of %s: %w", position, sequenceID, err)
	}
	return &s, nil
}

func (r *SequenceStore) HasStepAfter(ctx context.Context, sequenceID string, position int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sequence_emails WHERE sequence_id = $1 AND position > $2)`,
		sequenceID, position,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check steps after %d: %w", position, err)
	}
	return exists, nil
}

func (r *SequenceStore) LoadSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	return r.loadSubscriber(ctx, `WHERE id = $1`, id)
}

func (r *SequenceStore) FindSubscriberByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return r.loadSubscriber(ctx, `WHERE LOWER(email) = LOWER($1)`, email)
}

func (r *SequenceStore) loadSubscriber(ctx context.Context, where string, arg any) (*domain.Subscriber, error) {
	var (
		s     domain.Subscriber
		unsub sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), status, unsubscribed_at, created_at
		FROM subscribers `+where, arg,
	).Scan(&s.ID, &s.Email, &s.FirstName, &s.LastName, &s.Status, &unsub, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}
	if unsub.Valid {
		t := unsub.Time.UTC()
		s.UnsubscribedAt = &t
	}
	return &s, nil
}

const attemptColumns = `id, enrollment_id, position, status, COALESCE(provider_message_id, ''),
	COALESCE(error_message, ''), created_at, updated_at`

func (r *SequenceStore) FindSendAttempt(ctx context.Context, enrollmentID string, position int) (*domain.SendAttempt, error) {
	var a domain.SendAttempt
	err := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM sequence_send_attempts
		WHERE enrollment_id = $1 AND position = $2
		ORDER BY (status = 'sent') DESC, created_at DESC
		LIMIT 1
	`, enrollmentID, position).Scan(&a.ID, &a.EnrollmentID, &a.Position, &a.Status,
		&a.ProviderMessageID, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find send attempt: %w", err)
	}
	return &a, nil
}

func (r *SequenceStore) CountFailedAttempts(ctx context.Context, enrollmentID string, position int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sequence_send_attempts
		WHERE enrollment_id = $1 AND position = $2 AND status = 'failed'
	`, enrollmentID, position).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return n, nil
}

func (r *SequenceStore) CreateSendAttempt(ctx context.Context, enrollmentID string, position int) (*domain.SendAttempt, error) {
	a := domain.SendAttempt{
		ID:           uuid.New().String(),
		EnrollmentID: enrollmentID,
		Position:     position,
		Status:       domain.AttemptPending,
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sequence_send_attempts (id, enrollment_id, position, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', NOW(), NOW())
		RETURNING created_at, updated_at
	`, a.ID, enrollmentID, position).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create send attempt: %w", err)
	}
	return &a, nil
}

func (r *SequenceStore) MarkSendAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, o sequence.AttemptOutcome) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequence_send_attempts
		SET status = $2, provider_message_id = NULLIF($3, ''), error_message = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
	`, attemptID, string(status), o.ProviderMessageID, o.ErrorMessage)
	if isUniqueViolation(err) {
		return sequence.ErrDuplicateSend
	}
	if err != nil {
		return fmt.Errorf("mark send attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequence.ErrNotFound
	}
	return nil
}

func (r *SequenceStore) AdvanceEnrollment(ctx context.Context, id string, newPosition int, next *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET current_position = $2, next_send_at = $3, updated_at = NOW()
		WHERE id = $1 AND current_position < $2
	`, id, newPosition, nullTime(next))
	if err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOr(ctx, id, sequence.ErrStaleEnrollment)
	}
	return nil
}

func (r *SequenceStore) CompleteEnrollment(ctx context.Context, id string, finalPosition int, completedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET status = 'completed', current_position = GREATEST(current_position, $2),
		    next_send_at = NULL, completed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, finalPosition, completedAt.UTC())
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOr(ctx, id, sequence.ErrInvalidState)
	}
	return nil
}

func (r *SequenceStore) PauseEnrollment(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET status = 'paused', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return fmt.Errorf("pause enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOr(ctx, id, sequence.ErrInvalidState)
	}
	return nil
}

func (r *SequenceStore) ResumeEnrollment(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET status = 'active', next_send_at = COALESCE(next_send_at, $2), updated_at = NOW()
		WHERE id = $1 AND status = 'paused'
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("resume enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOr(ctx, id, sequence.ErrInvalidState)
	}
	return nil
}

func (r *SequenceStore) LoadSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	var s domain.Sequence
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, trigger_event, status, created_at, updated_at
		FROM email_sequences WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Trigger, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	return &s, nil
}

func (r *SequenceStore) ListSequencesByTrigger(ctx context.Context, event string) ([]domain.Sequence, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, trigger_event, status, created_at, updated_at
		FROM email_sequences
		WHERE trigger_event = $1 AND status = 'active'
		ORDER BY id
	`, event)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var out []domain.Sequence
	for rows.Next() {
		var s domain.Sequence
		if err := rows.Scan(&s.ID, &s.Name, &s.Trigger, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SequenceStore) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriber_sequences
			(id, subscriber_id, sequence_id, status, current_position, next_send_at, enrolled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, e.ID, e.SubscriberID, e.SequenceID, string(e.Status), e.CurrentPosition, nullTime(e.NextSendAt), e.EnrolledAt.UTC())
	if isUniqueViolation(err) {
		return sequence.ErrAlreadyEnrolled
	}
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// UnsubscribeSubscriber updates the subscriber and its enrollments in one
// transaction so a concurrent pass never sees the subscriber half-done.
func (r *SequenceStore) UnsubscribeSubscriber(ctx context.Context, subscriberID string, at time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE subscribers
		SET status = 'unsubscribed', unsubscribed_at = COALESCE(unsubscribed_at, $2), updated_at = NOW()
		WHERE id = $1
	`, subscriberID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("unsubscribe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, sequence.ErrNotFound
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE subscriber_sequences SET status = 'paused', updated_at = NOW()
		WHERE subscriber_id = $1 AND status = 'active'
	`, subscriberID)
	if err != nil {
		return 0, fmt.Errorf("pause enrollments: %w", err)
	}
	paused, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(paused), nil
}

// missingOr returns ErrNotFound if the enrollment does not exist, else err.
func (r *SequenceStore) missingOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qerr := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscriber_sequences WHERE id = $1)`, id,
	).Scan(&exists); qerr != nil {
		return fmt.Errorf("check enrollment: %w", qerr)
	}
	if !exists {
		return sequence.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
