package sequence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/content"
	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
	"github.com/matthewtrundle/BloomMac-sub009/internal/repository/memory"
	"github.com/matthewtrundle/BloomMac-sub009/internal/schedule"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnrollerStore() *memory.Store {
	s := memory.New()
	s.PutSequence(domain.Sequence{ID: "welcome", Trigger: "newsletter_signup", Status: domain.SequenceActive})
	s.PutSequence(domain.Sequence{ID: "empty", Trigger: "newsletter_signup", Status: domain.SequenceActive})
	s.PutSequence(domain.Sequence{ID: "draft", Trigger: "newsletter_signup", Status: domain.SequenceDraft})
	s.PutSequence(domain.Sequence{ID: "course", Trigger: "course_purchase", Status: domain.SequenceActive})
	s.PutStep(domain.SequenceStep{SequenceID: "welcome", Position: 1, Delay: domain.DelaySpec{Hours: 1}})
	s.PutSubscriber(domain.Subscriber{ID: "sub", Email: "Ana@Example.com", Status: domain.SubscriberActive})
	return s
}

func TestEnroller_Trigger(t *testing.T) {
	s := newEnrollerStore()
	en := sequence.NewEnroller(s, schedule.Default())
	saturday := time.Date(2025, 1, 11, 12, 0, 0, 0, time.UTC)

	res, err := en.Trigger(context.Background(), "newsletter_signup", "sub", saturday)
	require.NoError(t, err)
	require.Len(t, res.Enrolled, 2)

	bySeq := map[string]domain.Enrollment{}
	for _, e := range res.Enrolled {
		bySeq[e.SequenceID] = e
	}
	// Saturday 13:00 moves to Monday 13:00.
	welcome := bySeq["welcome"]
	assert.Equal(t, 0, welcome.CurrentPosition)
	assert.Equal(t, domain.EnrollmentActive, welcome.Status)
	assert.True(t, time.Date(2025, 1, 13, 13, 0, 0, 0, time.UTC).Equal(*welcome.NextSendAt))
	// No steps: due immediately so the next pass completes it.
	assert.True(t, saturday.Equal(*bySeq["empty"].NextSendAt))

	again, err := en.Trigger(context.Background(), "newsletter_signup", "sub", saturday)
	require.NoError(t, err)
	assert.Empty(t, again.Enrolled)
	assert.ElementsMatch(t, []string{"welcome", "empty"}, again.AlreadyEnrolled)
}

func TestEnroller_TriggerThenProcessCompletesEmptySequence(t *testing.T) {
	s := newEnrollerStore()
	en := sequence.NewEnroller(s, schedule.Default())
	_, err := en.Trigger(context.Background(), "course_purchase", "sub", monday10)
	require.NoError(t, err)

	p := sequence.NewProcessor(s, newFakeGateway(), content.NewRenderer(nil), schedule.Default())
	res, err := p.ProcessPass(context.Background(), monday10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func TestEnroller_TriggerUnsubscribedRejected(t *testing.T) {
	s := newEnrollerStore()
	s.PutSubscriber(domain.Subscriber{ID: "gone", Email: "gone@example.com", Status: domain.SubscriberUnsubscribed})
	_, err := sequence.NewEnroller(s, schedule.Default()).Trigger(context.Background(), "newsletter_signup", "gone", monday10)
	assert.ErrorIs(t, err, sequence.ErrInvalidState)
}

func TestEnroller_TriggerUnknownSubscriber(t *testing.T) {
	_, err := sequence.NewEnroller(newEnrollerStore(), schedule.Default()).Trigger(context.Background(), "newsletter_signup", "nobody", monday10)
	assert.ErrorIs(t, err, sequence.ErrNotFound)
}

func TestEnroller_UnsubscribeStopsSends(t *testing.T) {
	s := newEnrollerStore()
	en := sequence.NewEnroller(s, schedule.Default())
	ctx := context.Background()
	_, err := en.Trigger(ctx, "newsletter_signup", "sub", monday10)
	require.NoError(t, err)

	n, err := en.Unsubscribe(ctx, "ana@example.com", monday10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	g := newFakeGateway()
	res, err := sequence.NewProcessor(s, g, content.NewRenderer(nil), schedule.Default()).ProcessPass(ctx, monday10.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 0, g.count())
}

func TestEnroller_UnsubscribeInvalidEmail(t *testing.T) {
	_, err := sequence.NewEnroller(newEnrollerStore(), schedule.Default()).Unsubscribe(context.Background(), "not-an-email", monday10)
	assert.True(t, errors.Is(err, sequence.ErrInvalidEmail))
}

func TestEnroller_PauseResume(t *testing.T) {
	s := newEnrollerStore()
	en := sequence.NewEnroller(s, schedule.Default())
	ctx := context.Background()
	s.PutEnrollment(domain.Enrollment{ID: "e", SubscriberID: "sub", SequenceID: "welcome", Status: domain.EnrollmentActive})

	require.NoError(t, en.Pause(ctx, "e"))
	assert.ErrorIs(t, en.Pause(ctx, "e"), sequence.ErrInvalidState)

	require.NoError(t, en.Resume(ctx, "e", monday10))
	e, _ := s.Enrollment("e")
	assert.Equal(t, domain.EnrollmentActive, e.Status)
	require.NotNil(t, e.NextSendAt)
	assert.True(t, monday10.Equal(*e.NextSendAt))

	assert.ErrorIs(t, en.Resume(ctx, "missing", monday10), sequence.ErrNotFound)
}
