package notify

import (
	"context"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const defaultFromName = "ComChat"

// Email is a single message addressed to one or more operators.
type Email struct {
	To      []string
	Subject string
	Text    string
	HTML    string // optional
}

// EmailSender delivers an Email to all of its recipients.
type EmailSender interface {
	Send(ctx context.Context, msg Email) error
}

// Address is the sender identity of outgoing alerts.
type Address struct {
	Name  string
	Email string
}

func (a Address) withDefaults() Address {
	if strings.TrimSpace(a.Name) == "" {
		a.Name = defaultFromName
	}
	return a
}

// String formats the address per RFC 5322.
func (a Address) String() string {
	return (&netmail.Address{Name: a.Name, Address: a.Email}).String()
}

func validate(msg Email) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("notify: email has no recipients")
	}
	if msg.Text == "" && msg.HTML == "" {
		return fmt.Errorf("notify: email %q has no body", msg.Subject)
	}
	return nil
}

// SendGridSender delivers alerts through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   Address
	logger *logging.Logger
}

// NewSendGridSender returns nil without an API key.
func NewSendGridSender(apiKey string, from Address, logger *logging.Logger) *SendGridSender {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SendGridSender{
		client: sendgrid.NewSendClient(apiKey),
		from:   from.withDefaults(),
		logger: logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg Email) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	if err := validate(msg); err != nil {
		return err
	}
	resp, err := s.client.SendWithContext(ctx, sendGridMail(s.from, msg))
	if err != nil {
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected alert", "status", resp.StatusCode, "body", resp.Body)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Debug("alert email accepted by sendgrid", "subject", msg.Subject, "recipients", len(msg.To))
	return nil
}

// sendGridMail puts every recipient in one personalization so operators see
// each other on the thread.
func sendGridMail(from Address, msg Email) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(from.Name, from.Email))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	for _, to := range msg.To {
		p.AddTos(mail.NewEmail("", to))
	}
	m.AddPersonalizations(p)

	if msg.Text != "" {
		m.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	return m
}

// StubEmailSender logs instead of sending. Used for local development.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, msg Email) error {
	if err := validate(msg); err != nil {
		return err
	}
	s.logger.Info("alert email (stub)", "to", strings.Join(msg.To, ","), "subject", msg.Subject)
	return nil
}
