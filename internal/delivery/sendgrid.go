package delivery

import (
	"context"
	"fmt"

	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridGateway sends through the SendGrid v3 Mail Send API.
type SendGridGateway struct {
	client sendgridAPI
}

func NewSendGridGateway(apiKey string) *SendGridGateway {
	return &SendGridGateway{client: sendgrid.NewSendClient(apiKey)}
}

func (g *SendGridGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	fromName, fromAddr, err := splitAddress(msg.From)
	if err != nil {
		return Receipt{}, err
	}
	m := mail.NewSingleEmail(mail.NewEmail(fromName, fromAddr), msg.Subject, mail.NewEmail("", msg.To), "", msg.HTML)
	for k, v := range msg.Tags {
		m.Personalizations[0].SetCustomArg(k, v)
	}

	resp, err := g.client.SendWithContext(ctx, m)
	if err != nil {
		return Receipt{}, fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}
	var id string
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	logger.Debug("[SendGrid] sent", "to", msg.To, "message_id", id)
	return Receipt{ID: id, Provider: "sendgrid"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
