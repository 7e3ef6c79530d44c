package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESEmailProvider sends email via AWS SES using the SDK v2.
type SESEmailProvider struct {
	client    *sesv2.Client
	fromEmail string
	fromName  string
}

// NewSESEmailProvider creates an SES provider. Static credentials are used
// when provided; otherwise the default credential chain (IAM role) applies.
func NewSESEmailProvider(ctx context.Context, accessKey, secretKey, region, fromEmail, fromName string) (*SESEmailProvider, error) {
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
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESEmailProvider{
		client:    sesv2.NewFromConfig(cfg),
		fromEmail: fromEmail,
		fromName:  fromName,
	}, nil
}

// Send delivers a single email through SES.
func (s *SESEmailProvider) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] send failed: %v", err)
		return "", &ProviderError{Provider: "ses", Kind: classifySESError(err), Err: err}
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	return messageID, nil
}

// classifySESError maps SES API errors onto the failure taxonomy.
func classifySESError(err error) FailureKind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Throttling") || strings.Contains(msg, "TooManyRequests"):
		return FailureRateLimit
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "InvalidClientTokenId") ||
		strings.Contains(msg, "SignatureDoesNotMatch") || strings.Contains(msg, "AccountSuspended"):
		return FailureAuth
	case strings.Contains(msg, "MessageRejected") || strings.Contains(msg, "MailFromDomainNotVerified"):
		return FailureInvalidRecipient
	case strings.Contains(msg, "context deadline exceeded"):
		return FailureTimeout
	default:
		return FailureNetwork
	}
}
