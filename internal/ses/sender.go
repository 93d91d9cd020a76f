// Package ses sends forwarded inbound mail through AWS SES v2, carrying
// the resolved tenant identity so forwards count against the tenant's
// reputation, not the platform's.
package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/ignite/inbound-router/internal/config"
	"github.com/ignite/inbound-router/internal/forward"
	"github.com/ignite/inbound-router/internal/pkg/logger"
)

// Sender is the SES-backed implementation of the forwarder's outbound
// handoff.
type Sender struct {
	client *sesv2.Client
	region string
}

// NewSender creates an SES v2 sender with static credentials.
func NewSender(ctx context.Context, cfg appconfig.SESConfig) (*Sender, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Sender{client: sesv2.NewFromConfig(awsCfg), region: cfg.Region}, nil
}

// SendForward builds the forwarded MIME message and submits it to SES.
// The tenant's identity ARN and configuration set are applied when
// present.
func (s *Sender) SendForward(ctx context.Context, msg *forward.Message) error {
	raw, err := forward.BuildMIME(msg)
	if err != nil {
		return fmt.Errorf("build forward mime: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.FromHeader()),
		Destination: &types.Destination{
			ToAddresses: msg.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if msg.SourceARN != "" {
		input.FromEmailAddressIdentityArn = aws.String(msg.SourceARN)
	}
	if msg.ConfigurationSetName != "" {
		input.ConfigurationSetName = aws.String(msg.ConfigurationSetName)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	logger.Info("forward accepted by ses",
		"emailId", msg.Email.ID,
		"sesMessageId", aws.ToString(out.MessageId),
		"tenant", msg.TenantName)
	return nil
}
