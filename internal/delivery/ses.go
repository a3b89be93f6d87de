package delivery

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESGateway sends through AWS SES v2.
type SESGateway struct {
	client sesAPI
}

// NewSESGateway uses static credentials when both keys are set and the
// default AWS credential chain otherwise.
func NewSESGateway(ctx context.Context, accessKey, secretKey, region string) (*SESGateway, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESGateway{client: sesv2.NewFromConfig(cfg)}, nil
}

func (g *SESGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(k),
			Value: aws.String(tagValue(msg.Tags[k])),
		})
	}

	out, err := g.client.SendEmail(ctx, input)
	if err != nil {
		return Receipt{}, fmt.Errorf("ses send: %w", err)
	}
	id := aws.ToString(out.MessageId)
	logger.Debug("[SES] sent", "to", msg.To, "message_id", id)
	return Receipt{ID: id, Provider: "ses"}, nil
}
