package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// SESAPI is the part of the SES v2 client SESSender needs.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers alerts through Amazon SES.
type SESSender struct {
	client SESAPI
	from   Address
	logger *logging.Logger
}

// NewSESSender returns nil without a client or sender address.
func NewSESSender(client SESAPI, from Address, logger *logging.Logger) *SESSender {
	if client == nil || strings.TrimSpace(from.Email) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SESSender{client: client, from: from.withDefaults(), logger: logger}
}

func (s *SESSender) Send(ctx context.Context, msg Email) error {
	if err := validate(msg); err != nil {
		return err
	}
	out, err := s.client.SendEmail(ctx, sesInput(s.from, msg))
	if err != nil {
		return fmt.Errorf("notify: ses send: %w", err)
	}
	s.logger.Debug("alert email accepted by ses", "subject", msg.Subject, "message_id", aws.ToString(out.MessageId))
	return nil
}

func sesInput(from Address, msg Email) *sesv2.SendEmailInput {
	content := func(s string) *types.Content {
		if s == "" {
			return nil
		}
		return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      &types.Destination{ToAddresses: append([]string(nil), msg.To...)},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: content(msg.Subject),
				Body:    &types.Body{Text: content(msg.Text), Html: content(msg.HTML)},
			},
		},
	}
}

var (
	_ EmailSender = (*SESSender)(nil)
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*StubEmailSender)(nil)
)
