package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source"
)

// SESAPI is the subset of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESTransport sends raw MIME messages through AWS SES v2.
type SESTransport struct {
	client SESAPI
}

// NewSESTransport loads AWS configuration for cfg.Region. Static keys
// are used when both are set; otherwise the default credential chain.
func NewSESTransport(ctx context.Context, cfg model.SESConfig) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESTransportWithClient wraps an existing client.
func NewSESTransportWithClient(client SESAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Name() string {
	return string(source.ProtocolSES)
}

// Verify fetches the account and checks that sending is enabled.
func (t *SESTransport) Verify(ctx context.Context) error {
	out, err := t.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return &source.ConnectError{Protocol: source.ProtocolSES, Addr: "sesv2", Err: err}
	}
	if !out.SendingEnabled {
		return errors.New("sending is disabled for this SES account")
	}
	return nil
}

func (t *SESTransport) Send(ctx context.Context, msg *Message) error {
	var buf bytes.Buffer
	if _, err := msg.Mail.WriteTo(&buf); err != nil {
		return fmt.Errorf("rendering message: %w", err)
	}

	_, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: msg.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: buf.Bytes(),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("SES SendEmail: %w", err)
	}
	return nil
}
