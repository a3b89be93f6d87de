// Package delivery hands rendered sequence emails to an email provider.
// Provider errors are opaque to callers; every error is treated as
// retryable by the processor.
package delivery

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"

	"github.com/matthewtrundle/BloomMac-sub009/internal/config"
)

// Message is a fully rendered email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Tags    map[string]string
	// IdempotencyKey lets providers that support it drop a resend of the
	// same step, e.g. when recording a successful send failed.
	IdempotencyKey string
}

// Receipt identifies the accepted message at the provider.
type Receipt struct {
	ID       string
	Provider string
}

// Gateway sends one email.
type Gateway interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// New builds the gateway selected by cfg.Provider.
func New(ctx context.Context, cfg config.DeliveryConfig) (Gateway, error) {
	switch cfg.Provider {
	case "ses":
		return NewSESGateway(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	case "sendgrid":
		return NewSendGridGateway(cfg.SendGrid.APIKey), nil
	case "http":
		return NewHTTPGateway(cfg.HTTP.BaseURL, cfg.HTTP.APIKey, cfg.HTTP.MaxRetries, cfg.HTTP.Timeout()), nil
	case "log", "":
		return NewLogGateway(), nil
	default:
		return nil, fmt.Errorf("unknown delivery provider %q", cfg.Provider)
	}
}

// splitAddress parses "Name <addr>" or a bare address.
func splitAddress(s string) (name, addr string, err error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return a.Name, a.Address, nil
}

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// tagValue restricts tag values to the character set SES and Resend accept.
func tagValue(v string) string {
	v = tagUnsafe.ReplaceAllString(v, "_")
	if len(v) > 256 {
		v = v[:256]
	}
	return v
}
