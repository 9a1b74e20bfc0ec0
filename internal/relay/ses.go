package relay

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/render"
)

// sesAPI is the slice of the SES v2 client the sender needs; narrowed for
// testing.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers mail through Amazon SES v2 for operators without relay
// credentials. It satisfies the same Sender contract as the SMTP relay:
// failures come back as the attempt's Outcome, never as a caller error.
type SESSender struct {
	client sesAPI
}

// NewSESSender creates an SES sender from static credentials.
func NewSESSender(ctx context.Context, accessKey, secretKey, region string) (*SESSender, error) {
	creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// Send submits one message via the SES API. "Delivered" means SES accepted
// the submission for relay.
func (s *SESSender) Send(ctx context.Context, sender domain.SenderIdentity, recipient domain.Recipient, msg render.RenderedMessage) domain.Outcome {
	if !recipient.Valid() {
		return domain.Failed(fmt.Sprintf("malformed address %q", recipient.Email))
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender.Address),
		Destination: &types.Destination{
			ToAddresses: []string{recipient.Email},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody)},
				},
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return classify("SES submit", err)
	}
	return domain.DeliveredOutcome
}
