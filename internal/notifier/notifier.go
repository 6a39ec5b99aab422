// Package notifier implements the offline-mode email fallback: when the
// agent finishes in offline_giveup (or force_offline is configured), it
// composes a summary of the task from its metadata and the tail of the
// local log and sends it through a user-provided SMTP endpoint.
package notifier

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/lw-agent/logwatch/internal/config"
)

const tailLines = 15

// Summary is the information composed into the fallback email.
type Summary struct {
	TaskName string
	Machine  string
	Command  string
	Status   string // "start", "success", or "failed"
	ExitCode *int
	Elapsed  time.Duration
	LogTail  string // full captured output; only the last tailLines lines are used
}

// Notifier sends a task Summary over SMTP. It is a no-op if email is
// disabled or SMTPHost is unset; an empty host means "not configured".
type Notifier struct {
	cfg config.Config
}

// New creates a Notifier from the agent configuration's SMTP fields.
func New(cfg config.Config) *Notifier {
	return &Notifier{cfg: cfg}
}

// Enabled reports whether the notifier has enough configuration to send.
func (n *Notifier) Enabled() bool {
	return n.cfg.EmailEnabled && n.cfg.SMTPHost != "" && n.cfg.EmailFrom != "" && n.cfg.EmailTo != ""
}

// Notify composes and sends the task summary email. Errors are returned to
// the caller to log; the agent never fails its own exit code over a
// notification failure.
func (n *Notifier) Notify(summary Summary) error {
	if !n.Enabled() {
		return nil
	}

	subject, body := buildTaskEmail(summary)
	msg := buildMessage(n.cfg.EmailFrom, n.cfg.EmailTo, subject, body)

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUser != "" || n.cfg.SMTPPass != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPass, n.cfg.SMTPHost)
	}

	if n.cfg.SMTPPort == 465 {
		return sendImplicitTLS(addr, n.cfg.SMTPHost, auth, n.cfg.EmailFrom, []string{n.cfg.EmailTo}, msg)
	}
	return sendSTARTTLSOrPlain(addr, n.cfg.SMTPHost, auth, n.cfg.SMTPUseTLS, n.cfg.EmailFrom, []string{n.cfg.EmailTo}, msg)
}

// sendImplicitTLS dials directly over TLS, the convention for port 465.
func sendImplicitTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("notifier: tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("notifier: smtp client: %w", err)
	}
	defer client.Close()

	return deliver(client, auth, from, to, msg)
}

// sendSTARTTLSOrPlain dials plaintext and optionally upgrades with STARTTLS,
// the convention for port 587 and similar.
func sendSTARTTLSOrPlain(addr, host string, auth smtp.Auth, useTLS bool, from string, to []string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("notifier: dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("notifier: smtp client: %w", err)
	}
	defer client.Close()

	if useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return fmt.Errorf("notifier: starttls: %w", err)
			}
		}
	}

	return deliver(client, auth, from, to, msg)
}

func deliver(client *smtp.Client, auth smtp.Auth, from string, to []string, msg []byte) error {
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("notifier: auth: %w", err)
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("notifier: mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("notifier: rcpt to: %w", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notifier: data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("notifier: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notifier: close body: %w", err)
	}
	return client.Quit()
}

// buildTaskEmail composes the subject and plain-text body: task name,
// machine, status, duration, exit code, command, and the tail of the log.
func buildTaskEmail(s Summary) (subject, body string) {
	statusText := map[string]string{
		"start":   "task started",
		"success": "completed successfully",
		"failed":  "failed",
	}[s.Status]
	if statusText == "" {
		statusText = s.Status
	}

	subject = fmt.Sprintf("[LogWatch] %s - %s", s.TaskName, statusText)

	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", statusText)
	fmt.Fprintf(&b, "task: %s\n", s.TaskName)
	fmt.Fprintf(&b, "machine: %s\n", s.Machine)
	fmt.Fprintf(&b, "time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "duration: %s\n", formatDuration(s.Elapsed))
	if s.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d\n", *s.ExitCode)
	} else {
		b.WriteString("exit code: -\n")
	}
	fmt.Fprintf(&b, "command: %s\n", s.Command)

	if tail := lastLines(s.LogTail, tailLines); tail != "" {
		b.WriteString("\n--- recent log ---\n")
		b.WriteString(tail)
	}

	body = b.String()
	return subject, body
}

func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm%ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%dm", secs/3600, (secs%3600)/60)
}

func lastLines(text string, n int) string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
