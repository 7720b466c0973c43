// Package mail composes and delivers the daily failure-digest email
// (spec.md §4.5 step 2). No mail library exists anywhere in the example
// corpus, so delivery is implemented directly on net/smtp + crypto/tls
// STARTTLS — a documented standard-library exception (see DESIGN.md).
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"smartcopy/internal/config"
	"smartcopy/internal/queue"
)

// Sender delivers the failure digest for one recorder's accumulated
// failed-job set.
type Sender struct {
	cfg config.Email
}

// New returns a Sender configured from cfg.
func New(cfg config.Email) *Sender {
	return &Sender{cfg: cfg}
}

// SendFailureDigest composes and sends a digest summarizing entries for
// recorder, tagging the Subject with a fresh UUID so repeated sends are
// never collapsed by upstream mail-client deduplication.
func (s *Sender) SendFailureDigest(ctx context.Context, recorder string, entries []queue.FailedEntry) error {
	if len(entries) == 0 || len(s.cfg.To) == 0 {
		return nil
	}

	digestID := uuid.NewString()
	subject := fmt.Sprintf("[smartcopy] %s: %d failed transfer(s) (%s)", recorder, len(entries), digestID)
	body := formatDigest(recorder, entries)

	return s.deliver(ctx, subject, body)
}

func formatDigest(recorder string, entries []queue.FailedEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failure digest for %s\n\n", recorder)
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:%s -> %s:%s (tries=%d): %s\n",
			e.Job.SourceHost, e.Job.SourcePath, e.Job.DestHost, e.Job.DestPath, e.Job.Tries, e.Reason)
	}
	return b.String()
}

func (s *Sender) deliver(ctx context.Context, subject, body string) error {
	msg := buildMessage(s.cfg.Username, s.cfg.To, subject, body)

	host := s.cfg.SMTPServer
	hostOnly := host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		hostOnly = host[:idx]
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("mail: dial %s: %w", host, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, hostOnly)
	if err != nil {
		return fmt.Errorf("mail: new client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: hostOnly}); err != nil {
			return fmt.Errorf("mail: starttls: %w", err)
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, hostOnly)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.Username); err != nil {
		return fmt.Errorf("mail: from: %w", err)
	}
	for _, to := range s.cfg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("mail: rcpt %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail: data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("mail: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail: close data: %w", err)
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
