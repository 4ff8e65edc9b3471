// Package mailer holds the outbound transport used by the email queue.
// A transport attempts delivery exactly once per call; retries are the
// queue's responsibility.
package mailer

import (
	"context"
	"errors"
)

// Email is a fully rendered message ready for delivery.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, email Email) error
}

// Config is a provider-specific transport configuration.
type Config any

// NewSender constructs the transport matching the given configuration.
func NewSender(config Config) (Sender, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	switch c := config.(type) {
	case *SMTPConfig:
		return &SMTPSender{Config: c}, nil
	case *MailgunConfig:
		return &MailgunSender{Config: c}, nil
	default:
		return nil, errors.New("unsupported mail transport configuration")
	}
}

func validateConfig(config Config) error {
	switch c := config.(type) {
	case *SMTPConfig:
		return validateSMTPConfig(c)
	case *MailgunConfig:
		return validateMailgunConfig(c)
	default:
		return errors.New("invalid mail transport configuration")
	}
}
