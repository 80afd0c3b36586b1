package mail

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Mailer sends an HTML notification to a customer. Delivery is best effort:
// callers log failures and move on, they never roll back committed state.
type Mailer interface {
	Send(to, subject, htmlBody string, attachments ...string) error
}

type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
	logger *zap.Logger
}

func NewSMTPMailer(logger *zap.Logger) *SMTPMailer {
	host := getEnv("SMTP_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		port = 587
	}
	user := getEnv("SMTP_USER", "")
	password := getEnv("SMTP_PASSWORD", "")
	from := getEnv("SMTP_FROM", "no-reply@chaploy.shop")

	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, user, password),
		from:   from,
		logger: logger,
	}
}

func (m *SMTPMailer) Send(to, subject, htmlBody string, attachments ...string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)
	for _, path := range attachments {
		msg.Attach(path)
	}

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}

	m.logger.Info("Mail sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
