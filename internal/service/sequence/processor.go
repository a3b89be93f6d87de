package sequence

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/content"
	"github.com/matthewtrundle/BloomMac-sub009/internal/delivery"
	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
)

// Renderer merges subscriber variables into a step template.
type Renderer interface {
	Render(tpl content.Template, vars map[string]string) (content.Message, error)
}

// TimePolicy computes when a step becomes due.
type TimePolicy interface {
	NextSendTime(delay domain.DelaySpec, ref time.Time) time.Time
}

// Locker hands out per-key leases across processes. ok is false when
// another holder has the lease.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// PassObserver receives the result of every completed pass.
type PassObserver interface {
	ObservePass(r *Result, elapsed time.Duration)
}

const (
	defaultConcurrency = 4
	defaultBatchSize   = 100
)

// Processor runs processing passes over due enrollments.
type Processor struct {
	store    Store
	gateway  delivery.Gateway
	renderer Renderer
	policy   TimePolicy

	locker      Locker
	observers   []PassObserver
	from        string
	concurrency int
	batchSize   int
	maxAttempts int

	// inflight guards against two passes in this process working the same
	// enrollment; the Locker covers other processes.
	inflight sync.Map
}

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency bounds how many enrollments are processed at once.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithBatchSize caps how many due enrollments one pass loads.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithLocker takes a lease on each enrollment before sending.
func WithLocker(l Locker) Option {
	return func(p *Processor) { p.locker = l }
}

// WithMaxAttempts pauses an enrollment once a step has failed n times.
// Zero, the default, retries forever.
func WithMaxAttempts(n int) Option {
	return func(p *Processor) { p.maxAttempts = n }
}

// WithFromAddress sets the From header, e.g. "Bloom Psychology <hello@...>".
func WithFromAddress(from string) Option {
	return func(p *Processor) { p.from = from }
}

// WithObserver reports every pass to o. It may be given more than once.
func WithObserver(o PassObserver) Option {
	return func(p *Processor) { p.observers = append(p.observers, o) }
}

// NewProcessor creates a Processor.
func NewProcessor(store Store, gateway delivery.Gateway, renderer Renderer, policy TimePolicy, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		gateway:     gateway,
		renderer:    renderer,
		policy:      policy,
		concurrency: defaultConcurrency,
		batchSize:   defaultBatchSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProcessPass processes every enrollment due at now. Only a failure to load
// the due set is returned as an error; per-enrollment failures are reported
// in the result's details.
func (p *Processor) ProcessPass(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()
	now = now.UTC()

	due, err := p.store.LoadDueEnrollments(ctx, now, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("load due enrollments: %w", err)
	}

	res := &Result{RanAt: now, Details: make([]Detail, 0, len(due))}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.concurrency)
	)

dispatch:
	for i, e := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			logger.Warn("[Processor] pass cancelled before all enrollments were dispatched",
				"dispatched", i, "due", len(due))
			break dispatch
		}
		wg.Add(1)
		go func(e domain.Enrollment) {
			defer wg.Done()
			defer func() { <-sem }()
			d := p.processEnrollment(ctx, e, now)
			mu.Lock()
			res.record(d)
			mu.Unlock()
		}(e)
	}
	wg.Wait()
	res.sortDetails()

	logger.Info("[Processor] pass complete",
		"due", len(due), "sent", res.Sent, "failed", res.Failed,
		"completed", res.Completed, "duplicates", res.Duplicates, "skipped", res.Skipped,
		"elapsed", time.Since(start).String())
	elapsed := time.Since(start)
	for _, o := range p.observers {
		o.ObservePass(res, elapsed)
	}
	return res, nil
}

func (p *Processor) processEnrollment(ctx context.Context, e domain.Enrollment, now time.Time) (d Detail) {
	d = Detail{EnrollmentID: e.ID, SequenceID: e.SequenceID, Position: e.CurrentPosition + 1}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Processor] panic processing enrollment",
				"enrollment_id", e.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			d = failed(d, KindStore, fmt.Errorf("panic: %v", r))
		}
	}()

	if e.Status != domain.EnrollmentActive {
		return skipped(d, "enrollment is "+string(e.Status))
	}
	if _, busy := p.inflight.LoadOrStore(e.ID, struct{}{}); busy {
		return skipped(d, "enrollment is being processed by another pass")
	}
	defer p.inflight.Delete(e.ID)

	if p.locker != nil {
		release, ok, err := p.locker.Lock(ctx, "enrollment:"+e.ID)
		if err != nil {
			return failed(d, KindStore, fmt.Errorf("acquire lease: %w", err))
		}
		if !ok {
			return skipped(d, "lease held by another worker")
		}
		defer release()
	}

	// The batch was read before the lease; another worker may have moved
	// this enrollment on since.
	cur, err := p.store.LoadEnrollment(ctx, e.ID)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("reload enrollment: %w", err))
	}
	if !cur.IsDue(now) {
		return skipped(d, "enrollment no longer due")
	}
	d.Position = cur.CurrentPosition + 1

	// The due query filtered on sequence and subscriber status, but either
	// may have changed before the lease was taken.
	seq, err := p.store.LoadSequence(ctx, cur.SequenceID)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("load sequence: %w", err))
	}
	if seq.Status != domain.SequenceActive {
		return skipped(d, "sequence is "+string(seq.Status))
	}
	sub, err := p.store.LoadSubscriber(ctx, cur.SubscriberID)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("load subscriber: %w", err))
	}
	if sub.Status != domain.SubscriberActive {
		return skipped(d, "subscriber is "+string(sub.Status))
	}
	return p.sendNext(ctx, *cur, sub, now, d)
}

func (p *Processor) sendNext(ctx context.Context, e domain.Enrollment, sub *domain.Subscriber, now time.Time, d Detail) Detail {
	pos := e.CurrentPosition + 1

	step, err := p.store.LoadStepAtPosition(ctx, e.SequenceID, pos)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("load step %d: %w", pos, err))
	}
	if step == nil {
		return p.completeWithoutStep(ctx, e, now, d)
	}

	prior, err := p.store.FindSendAttempt(ctx, e.ID, pos)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("find send attempt: %w", err))
	}
	if prior != nil && prior.Status == domain.AttemptSent {
		logger.Info("[Processor] step already sent, advancing without resend",
			"enrollment_id", e.ID, "position", pos)
		d.Outcome = OutcomeDuplicate
		d.MessageID = prior.ProviderMessageID
		return p.advance(ctx, e, step, now, d)
	}

	if p.maxAttempts > 0 {
		n, err := p.store.CountFailedAttempts(ctx, e.ID, pos)
		if err != nil {
			return failed(d, KindStore, fmt.Errorf("count failed attempts: %w", err))
		}
		if n >= p.maxAttempts {
			if err := p.store.PauseEnrollment(ctx, e.ID); err != nil {
				return failed(d, KindStore, fmt.Errorf("pause after %d attempts: %w", n, err))
			}
			logger.Warn("[Processor] max attempts reached, enrollment paused",
				"enrollment_id", e.ID, "position", pos, "attempts", n)
			return failed(d, KindTransientDelivery, fmt.Errorf("max attempts (%d) reached; enrollment paused", p.maxAttempts))
		}
	}

	attempt, err := p.store.CreateSendAttempt(ctx, e.ID, pos)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("create send attempt: %w", err))
	}

	msg, err := p.renderer.Render(content.Template{
		Key:     fmt.Sprintf("%s/%d", e.SequenceID, pos),
		Subject: step.Subject,
		Body:    step.Body,
	}, sub.MergeVars())
	if err != nil {
		p.markFailed(ctx, attempt.ID, err)
		return failed(d, KindDataIntegrity, fmt.Errorf("render step %d: %w", pos, err))
	}

	stepNo := strconv.Itoa(pos)
	receipt, err := p.gateway.Send(ctx, delivery.Message{
		From:    p.from,
		To:      sub.Email,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Tags: map[string]string{
			"enrollment_id": e.ID,
			"sequence_id":   e.SequenceID,
			"step":          stepNo,
		},
		IdempotencyKey: e.ID + ":" + stepNo,
	})
	if err != nil {
		p.markFailed(ctx, attempt.ID, err)
		logger.Warn("[Processor] send failed, will retry next pass",
			"enrollment_id", e.ID, "position", pos, "email", sub.Email, "error", err)
		return failed(d, KindTransientDelivery, fmt.Errorf("send step %d: %w", pos, err))
	}
	d.MessageID = receipt.ID

	// The email is out; bookkeeping must not be abandoned because the pass
	// context ended.
	ctx = context.WithoutCancel(ctx)
	err = p.store.MarkSendAttempt(ctx, attempt.ID, domain.AttemptSent, AttemptOutcome{ProviderMessageID: receipt.ID})
	switch {
	case errors.Is(err, ErrDuplicateSend):
		logger.Info("[Processor] step recorded as sent by another worker",
			"enrollment_id", e.ID, "position", pos)
		p.markFailed(ctx, attempt.ID, ErrDuplicateSend)
		d.Outcome = OutcomeDuplicate
	case err != nil:
		logger.Error("[Processor] email sent but attempt not recorded",
			"enrollment_id", e.ID, "position", pos, "message_id", receipt.ID, "error", err)
		return failed(d, KindStore, fmt.Errorf("record sent attempt: %w", err))
	default:
		d.Outcome = OutcomeSent
	}
	return p.advance(ctx, e, step, now, d)
}

// advance moves the enrollment past step, or completes it when step was the
// last one.
func (p *Processor) advance(ctx context.Context, e domain.Enrollment, step *domain.SequenceStep, now time.Time, d Detail) Detail {
	next, err := p.store.LoadStepAtPosition(ctx, e.SequenceID, step.Position+1)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("step %d sent; load next step: %w", step.Position, err))
	}

	var at time.Time
	if next != nil {
		at = p.policy.NextSendTime(next.Delay, now)
	} else {
		gap, err := p.store.HasStepAfter(ctx, e.SequenceID, step.Position+1)
		if err != nil {
			return failed(d, KindStore, fmt.Errorf("step %d sent; check later steps: %w", step.Position, err))
		}
		if !gap {
			err = p.store.CompleteEnrollment(ctx, e.ID, step.Position, now)
			if errors.Is(err, ErrInvalidState) {
				// Paused while the step was in flight. The sent attempt
				// makes the step a duplicate if the enrollment is resumed.
				logger.Info("[Processor] enrollment left as is, no longer active",
					"enrollment_id", e.ID, "position", step.Position)
				return d
			}
			if err != nil {
				return failed(d, KindStore, fmt.Errorf("step %d sent; complete enrollment: %w", step.Position, err))
			}
			logger.Info("[Processor] enrollment completed", "enrollment_id", e.ID, "position", step.Position)
			d.Completed = true
			return d
		}
		// Keep the enrollment due so the next pass reports the gap.
		at = now
	}

	err = p.store.AdvanceEnrollment(ctx, e.ID, step.Position, &at)
	if errors.Is(err, ErrStaleEnrollment) {
		logger.Info("[Processor] enrollment already advanced", "enrollment_id", e.ID, "position", step.Position)
		return d
	}
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("step %d sent; advance enrollment: %w", step.Position, err))
	}
	d.NextSendAt = &at
	return d
}

// completeWithoutStep handles an enrollment whose next position has no step:
// the end of the sequence, or a gap when later steps exist.
func (p *Processor) completeWithoutStep(ctx context.Context, e domain.Enrollment, now time.Time, d Detail) Detail {
	pos := e.CurrentPosition + 1
	gap, err := p.store.HasStepAfter(ctx, e.SequenceID, pos)
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("check later steps: %w", err))
	}
	if gap {
		logger.Error("[Processor] sequence has a gap in step positions",
			"sequence_id", e.SequenceID, "enrollment_id", e.ID, "missing_position", pos)
		return failed(d, KindDataIntegrity, fmt.Errorf("sequence %s has no step %d but has later steps", e.SequenceID, pos))
	}
	err = p.store.CompleteEnrollment(ctx, e.ID, e.CurrentPosition, now)
	if errors.Is(err, ErrInvalidState) {
		return skipped(d, "enrollment no longer active")
	}
	if err != nil {
		return failed(d, KindStore, fmt.Errorf("complete enrollment: %w", err))
	}
	logger.Info("[Processor] enrollment completed", "enrollment_id", e.ID, "position", e.CurrentPosition)
	d.Position = e.CurrentPosition
	d.Outcome = OutcomeCompleted
	d.Completed = true
	return d
}

func (p *Processor) markFailed(ctx context.Context, attemptID string, cause error) {
	err := p.store.MarkSendAttempt(context.WithoutCancel(ctx), attemptID, domain.AttemptFailed,
		AttemptOutcome{ErrorMessage: cause.Error()})
	if err != nil {
		logger.Error("[Processor] failed to record failed attempt", "attempt_id", attemptID, "error", err)
	}
}

func failed(d Detail, kind ErrorKind, err error) Detail {
	d.Outcome = OutcomeFailed
	d.Kind = kind
	d.Message = err.Error()
	return d
}

func skipped(d Detail, reason string) Detail {
	d.Outcome = OutcomeSkipped
	d.Message = reason
	return d
}
