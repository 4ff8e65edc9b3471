package mailer

import (
	"context"
	"errors"

	"github.com/mailgun/mailgun-go/v4"
)

// MailgunConfig holds the configuration for the Mailgun API transport.
type MailgunConfig struct {
	Key    string
	Domain string
	From   string
}

type MailgunSender struct {
	Config *MailgunConfig
}

func (s *MailgunSender) Send(ctx context.Context, email Email) error {
	mg := mailgun.NewMailgun(s.Config.Domain, s.Config.Key)

	message := mg.NewMessage(s.Config.From, email.Subject, email.Text)
	message.SetHTML(email.HTML)
	if err := message.AddRecipient(email.To); err != nil {
		return err
	}

	_, _, err := mg.Send(ctx, message)
	return err
}

func validateMailgunConfig(config *MailgunConfig) error {
	if config.Key == "" || config.Domain == "" || config.From == "" {
		return errors.New("invalid Mailgun configuration")
	}
	return nil
}
