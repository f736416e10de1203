// Package notify implements the Notification Sink (spec.md §4.D): a
// policy-gated SMTP mailer that summarizes a job's outcome to the
// requesting user. Delivery is best-effort — a failed send is logged
// and swallowed, never propagated to the caller, because email is
// never allowed to block the authoritative job pipeline.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/mash/pkg/jobdoc"
)

// SMTPConfig configures the outbound mail connection (internal/config
// §6 smtp.* keys).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS selects implicit TLS (SMTPS, typically port 465) via
	// tls.Dial. When false, smtp.SendMail is used, which negotiates
	// STARTTLS itself on ports such as 587, or sends plaintext on 25.
	TLS bool
}

// Sink is the Notification Sink surface stage services depend on.
type Sink interface {
	// NotifyOutcome evaluates the job's notification policy and, if it
	// fires, sends the outcome email. A nil return does not mean an
	// email was sent — it means delivery (if attempted) did not error
	// in a way the caller needs to act on.
	NotifyOutcome(ctx context.Context, doc *jobdoc.Document, stage string, status jobdoc.Status) error
}

type sink struct {
	cfg     SMTPConfig
	logger  *zap.Logger
	limiter *rate.Limiter
}

// New builds a Sink. limiter throttles outbound sends so a flapping
// stage cannot turn into an email flood; pass nil for no limit.
func New(cfg SMTPConfig, logger *zap.Logger, limiter *rate.Limiter) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sink{cfg: cfg, logger: logger.Named("notify"), limiter: limiter}
}

// shouldSend implements spec.md §4.D's delivery policy exactly:
//
//   - notification_type = single   -> send iff this is the last stage
//     and status is terminal (succeeded or failed).
//   - notification_type = periodic -> send on every stage completion.
//   - never send when notification_email is absent.
func shouldSend(doc *jobdoc.Document, stage string, status jobdoc.Status) bool {
	if doc.NotificationEmail == "" {
		return false
	}
	switch doc.NotificationType {
	case jobdoc.NotificationPeriodic:
		return true
	case jobdoc.NotificationSingle, "":
		if !status.Succeeded() && status != jobdoc.StatusFailed {
			return false
		}
		canonical, ok := jobdoc.CanonicalServiceName(stage)
		if !ok {
			canonical = stage
		}
		lastCanonical, ok := jobdoc.CanonicalServiceName(doc.LastService)
		if !ok {
			lastCanonical = doc.LastService
		}
		return canonical == lastCanonical
	default:
		return false
	}
}

func (s *sink) NotifyOutcome(ctx context.Context, doc *jobdoc.Document, stage string, status jobdoc.Status) error {
	if !shouldSend(doc, stage, status) {
		return nil
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("notification suppressed by rate limit",
			zap.String("job_id", doc.ID), zap.String("stage", stage))
		return nil
	}

	subject, body := composeOutcomeEmail(doc, stage, status)
	if err := s.send(ctx, []string{doc.NotificationEmail}, subject, body); err != nil {
		s.logger.Warn("notification send failed",
			zap.String("job_id", doc.ID), zap.String("stage", stage), zap.Error(err))
		return nil
	}
	return nil
}

func composeOutcomeEmail(doc *jobdoc.Document, stage string, status jobdoc.Status) (subject, body string) {
	outcome := "succeeded"
	if status == jobdoc.StatusFailed {
		outcome = "failed"
	}
	subject = fmt.Sprintf("[mash] job %s %s at %s", doc.ID, outcome, stage)
	body = fmt.Sprintf(
		"Job %s for %s (%s) %s at stage %s.\n\nImage: %s\nCloud image name: %s\n",
		doc.ID, doc.RequestingUser, doc.Cloud, outcome, stage, doc.Image, doc.CloudImageName,
	)
	return subject, body
}

// send dials and delivers msg, choosing implicit TLS or
// plaintext/STARTTLS per cfg.TLS, mirroring
// arkeep-io-arkeep's sender_email.go sendTLS/sendPlain split.
func (s *sink) send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}

	msg := buildEmail(s.cfg.From, to, subject, body)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	if s.cfg.TLS {
		return s.sendTLS(addr, to, msg)
	}
	return s.sendPlain(addr, to, msg)
}

func (s *sink) sendPlain(addr string, to []string, msg []byte) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, to, msg); err != nil {
		return fmt.Errorf("notify: smtp.SendMail: %w", err)
	}
	return nil
}

func (s *sink) sendTLS(addr string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("notify: tls.Dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("notify: smtp.NewClient: %w", err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("notify: MAIL FROM: %w", err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("notify: RCPT TO %s: %w", r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("notify: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: close DATA: %w", err)
	}
	return client.Quit()
}

func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
