// Package mail delivers the verification emails the registration workflow
// hands off. The SMTP dialect matches the original relay setup: STARTTLS on a
// submission port with PLAIN auth.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"net/url"
	"strings"

	"verimail.org/internal/obs"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer dispatches messages. Implementations must be safe for concurrent use;
// the workflow sends from goroutines.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// VerificationEmail builds the confirmation message for a freshly registered
// account.
func VerificationEmail(to, confirmURL string) Message {
	return Message{
		To:      to,
		Subject: "Confirm your registration",
		Body:    fmt.Sprintf("Click here to confirm: %s", confirmURL),
	}
}

// ConfirmURL embeds the token into the public confirmation link.
func ConfirmURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/confirm?token=" + url.QueryEscape(token)
}

// SMTPMailer sends through an SMTP submission relay.
type SMTPMailer struct {
	addr string // host:port
	host string
	user string
	pass string
	from string
}

func NewSMTP(host string, port int, user, pass, from string) *SMTPMailer {
	return &SMTPMailer{
		addr: fmt.Sprintf("%s:%d", host, port),
		host: host,
		user: user,
		pass: pass,
		from: from,
	}
}

// Send delivers the message. smtp.SendMail negotiates STARTTLS when the
// server advertises it, matching the relay this service is configured for.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.pass, m.host)
	}

	payload := formatMessage(m.from, msg)
	if err := smtp.SendMail(m.addr, auth, m.from, []string{msg.To}, payload); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

func formatMessage(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogMailer writes messages to the structured log instead of sending them.
// Used when no SMTP relay is configured, typically local development.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	obs.LogEntry(map[string]any{
		"level":   "info",
		"msg":     "mail_not_sent",
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Body,
	})
	return nil
}
