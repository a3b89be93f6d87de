package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/matthewtrundle/BloomMac-sub009/internal/config"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		From:           "Bloom Psychology <hello@example.com>",
		To:             "jane@example.com",
		Subject:        "Welcome",
		HTML:           "<p>Hi</p>",
		Tags:           map[string]string{"enrollment_id": "e-1", "step": "1"},
		IdempotencyKey: "e-1:1",
	}
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func TestSESGateway_Send(t *testing.T) {
	fake := &fakeSES{}
	g := &SESGateway{client: fake}

	r, err := g.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", r.ID)
	assert.Equal(t, "Bloom Psychology <hello@example.com>", aws.ToString(fake.in.FromEmailAddress))
	assert.Equal(t, []string{"jane@example.com"}, fake.in.Destination.ToAddresses)
	require.Len(t, fake.in.EmailTags, 2)
	assert.Equal(t, "enrollment_id", aws.ToString(fake.in.EmailTags[0].Name))
	assert.Equal(t, "e-1", aws.ToString(fake.in.EmailTags[0].Value))
}

func TestSESGateway_Error(t *testing.T) {
	g := &SESGateway{client: &fakeSES{err: errors.New("throttled")}}
	_, err := g.Send(context.Background(), testMessage())
	assert.ErrorContains(t, err, "throttled")
}

type fakeSendGrid struct {
	got  *mail.SGMailV3
	resp *rest.Response
}

func (f *fakeSendGrid) SendWithContext(ctx context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.got = m
	return f.resp, nil
}

func TestSendGridGateway_Send(t *testing.T) {
	fake := &fakeSendGrid{resp: &rest.Response{
		StatusCode: 202,
		Headers:    map[string][]string{"X-Message-Id": {"sg-42"}},
	}}
	g := &SendGridGateway{client: fake}

	r, err := g.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sg-42", r.ID)
	assert.Equal(t, "hello@example.com", fake.got.From.Address)
	assert.Equal(t, "Bloom Psychology", fake.got.From.Name)
	assert.Equal(t, "e-1", fake.got.Personalizations[0].CustomArgs["enrollment_id"])
}

func TestSendGridGateway_ErrorStatus(t *testing.T) {
	g := &SendGridGateway{client: &fakeSendGrid{resp: &rest.Response{StatusCode: 400, Body: "bad from"}}}
	_, err := g.Send(context.Background(), testMessage())
	assert.ErrorContains(t, err, "status 400")
}

func TestHTTPGateway_Send(t *testing.T) {
	var got httpSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		assert.Equal(t, "e-1:1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"re-9"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL+"/", "re_test", 1, time.Second)
	r, err := g.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "re-9", r.ID)
	assert.Equal(t, []string{"jane@example.com"}, got.To)
	assert.Equal(t, []httpTag{{Name: "enrollment_id", Value: "e-1"}, {Name: "step", Value: "1"}}, got.Tags)
}

func TestHTTPGateway_ClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"invalid to"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "k", 3, time.Second).Send(context.Background(), testMessage())
	assert.ErrorContains(t, err, "422")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLogGateway(t *testing.T) {
	r, err := NewLogGateway().Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Contains(t, r.ID, "log-")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewLogGateway().Send(ctx, testMessage())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	g, err := New(context.Background(), config.DeliveryConfig{Provider: "log"})
	require.NoError(t, err)
	assert.IsType(t, &LogGateway{}, g)

	g, err = New(context.Background(), config.DeliveryConfig{Provider: "sendgrid", SendGrid: config.SendGridConfig{APIKey: "k"}})
	require.NoError(t, err)
	assert.IsType(t, &SendGridGateway{}, g)

	_, err = New(context.Background(), config.DeliveryConfig{Provider: "fax"})
	assert.Error(t, err)
}

func TestTagValue(t *testing.T) {
	assert.Equal(t, "a_b-c_1", tagValue("a b-c.1"))
}
