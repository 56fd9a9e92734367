// Package mailer delivers outbox records as email, one message per record.
// It is most often registered as the failure-notification handler of another
// sink rather than a primary destination. Delivery uses net/smtp directly;
// nothing in the stack this module builds on speaks SMTP, so the standard
// library is the whole transport.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/sink"
)

// Config configures a Sink.
type Config struct {
	Addr string // host:port of the SMTP relay
	From string
	To   []string

	// Subject renders the message subject for a delivery. A nil Subject
	// uses "outbox <recordType> <key>".
	Subject func(rec handler.Delivery) string

	// Auth, when set, is passed to smtp.SendMail (e.g. smtp.PlainAuth).
	Auth smtp.Auth
}

// Sink is a handler.Handler that mails each record's payload.
type Sink struct {
	cfg Config
}

// New builds a Sink from cfg.
func New(cfg Config) *Sink {
	return &Sink{cfg: cfg}
}

// Handle implements handler.Handler.
func (s *Sink) Handle(_ context.Context, rec handler.Delivery) error {
	subject := fmt.Sprintf("outbox %s %s", rec.RecordType, rec.Key)
	if s.cfg.Subject != nil {
		subject = s.cfg.Subject(rec)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "%s: %s\r\n", sink.HeaderKey, rec.Key)
	fmt.Fprintf(&msg, "%s: %s\r\n", sink.HeaderRecordType, rec.RecordType)
	fmt.Fprintf(&msg, "Content-Type: %s\r\n", sink.ContentType(rec))
	msg.WriteString("\r\n")
	msg.Write(rec.Payload)

	if err := smtp.SendMail(s.cfg.Addr, s.cfg.Auth, s.cfg.From, s.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("sink/mailer: send via %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// HandleFailure implements handler.FailureHandler: a record that exhausted
// its retries is mailed with the terminal error prepended, so the Sink can
// double as another handler's fallback notification channel.
func (s *Sink) HandleFailure(ctx context.Context, rec handler.Delivery, cause error) {
	failed := rec
	failed.Payload = []byte(fmt.Sprintf("delivery failed after %d attempt(s): %v\r\n\r\n%s", rec.FailureCount, cause, rec.Payload))
	_ = s.Handle(ctx, failed)
}
