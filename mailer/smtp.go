package mailer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
)

// SMTPConfig holds the configuration for a plain SMTP relay
// (Titan.email in production).
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	Config *SMTPConfig
}

func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	auth := smtp.PlainAuth("", s.Config.Username, s.Config.Password, s.Config.Host)
	addr := fmt.Sprintf("%s:%s", s.Config.Host, s.Config.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, s.Config.From, []string{email.To}, buildMessage(s.Config.From, email))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// buildMessage assembles a multipart/alternative body so clients without
// HTML rendering fall back to the text part.
func buildMessage(from string, email Email) []byte {
	const boundary = "reservamail-alt"

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", email.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(email.Text)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(email.HTML)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func validateSMTPConfig(config *SMTPConfig) error {
	if config.Host == "" || config.Port == "" || config.Username == "" || config.Password == "" || config.From == "" {
		return errors.New("invalid SMTP configuration")
	}
	return nil
}
