package bootstrap

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/notify"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// BuildEmailSender picks the email provider for operator alerts.
// EMAIL_PROVIDER is one of sendgrid, ses, stub or auto; auto prefers SendGrid
// when an API key is set, then SES when a sender address is set.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	if logger == nil {
		logger = logging.Default()
	}
	sendgrid := func() notify.EmailSender {
		s := notify.NewSendGridSender(cfg.SendGridAPIKey, notify.Address{Name: cfg.SendGridFromName, Email: cfg.SendGridFromEmail}, logger)
		if s == nil {
			return nil
		}
		return s
	}
	ses := func() notify.EmailSender {
		s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.Address{Name: cfg.SESFromName, Email: cfg.SESFromEmail}, logger)
		if s == nil {
			return nil
		}
		return s
	}

	switch cfg.EmailProvider {
	case "sendgrid":
		if s := sendgrid(); s != nil {
			return s, nil
		}
		return nil, fmt.Errorf("bootstrap: EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY")
	case "ses":
		if s := ses(); s != nil {
			return s, nil
		}
		return nil, fmt.Errorf("bootstrap: EMAIL_PROVIDER=ses requires SES_FROM_EMAIL")
	case "stub":
		return notify.NewStubEmailSender(logger), nil
	case "", "auto":
		if s := sendgrid(); s != nil {
			return s, nil
		}
		if s := ses(); s != nil {
			return s, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
}

// BuildAlerter returns the backend outage alerter, or nil when no sender or
// recipients are configured.
func BuildAlerter(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*notify.Alerter, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if len(cfg.AlertRecipients) == 0 {
		logger.Info("backend alerts disabled: ALERT_EMAIL_RECIPIENTS not set")
		return nil, nil
	}
	sender, err := BuildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		logger.Warn("backend alerts disabled: no email provider configured")
		return nil, nil
	}
	return notify.NewAlerter(sender, cfg.AlertRecipients, logger), nil
}
