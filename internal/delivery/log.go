package delivery

import (
	"context"

	"github.com/google/uuid"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
)

// LogGateway records messages in the log instead of sending them. It is the
// default for local development.
type LogGateway struct{}

func NewLogGateway() *LogGateway { return &LogGateway{} }

func (LogGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := "log-" + uuid.NewString()
	logger.Info("[LogGateway] email not sent (log provider)",
		"to", msg.To, "subject", msg.Subject, "message_id", id)
	return Receipt{ID: id, Provider: "log"}, nil
}
