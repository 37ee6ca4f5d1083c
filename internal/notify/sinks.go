package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rowanhq/foreman/internal/config"
)

var (
	escalationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF8787")).
			Bold(true)
	completionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#73F59F")).
			Bold(true)
	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#BBBBBB"))
)

// ConsoleSink prints notifications to a writer, styled for a terminal.
type ConsoleSink struct {
	out io.Writer
}

// NewConsoleSink prints to stderr via the default writer.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{out: lipgloss.DefaultRenderer().Output()}
}

// NewConsoleSinkWriter prints to w.
func NewConsoleSinkWriter(w io.Writer) *ConsoleSink {
	return &ConsoleSink{out: w}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Send(_ context.Context, ev Event) error {
	var headline string
	switch ev.Kind {
	case KindEscalation:
		headline = escalationStyle.Render(fmt.Sprintf("ESCALATION [%s] %s", ev.Project, ev.Role))
	case KindRunEscalated:
		headline = escalationStyle.Render(fmt.Sprintf("RUN HALTED [%s] escalated on %s", ev.Project, ev.Role))
	case KindRunCompleted:
		headline = completionStyle.Render(fmt.Sprintf("RUN COMPLETE [%s]", ev.Project))
	default:
		headline = fmt.Sprintf("[%s] %s", ev.Project, ev.Kind)
	}

	line := headline
	if ev.Reason != "" {
		line += "\n" + detailStyle.Render("  "+ev.Reason)
	}
	if ev.LastError != "" && ev.LastError != ev.Reason {
		line += "\n" + detailStyle.Render(fmt.Sprintf("  last error: %s (retry %d)", ev.LastError, ev.RetryCount))
	}
	if ev.Checkpoint != "" {
		line += "\n" + detailStyle.Render("  checkpoint: "+ev.Checkpoint)
	}
	for name, path := range ev.Artifacts {
		line += "\n" + detailStyle.Render(fmt.Sprintf("  artifact %s: %s", name, path))
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// WebhookSink posts events as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds a webhook sink from config.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// EmailSink sends events over SMTP.
type EmailSink struct {
	cfg config.EmailConfig
	// send is swappable for tests.
	send func(addr, from string, to []string, msg []byte) error
}

// NewEmailSink builds an email sink from config.
func NewEmailSink(cfg config.EmailConfig) *EmailSink {
	return &EmailSink{
		cfg: cfg,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (e *EmailSink) Name() string { return "email" }

func (e *EmailSink) Send(_ context.Context, ev Event) error {
	subject := fmt.Sprintf("[%s] %s", ev.Project, ev.Kind)
	if ev.Role != "" {
		subject += ": " + ev.Role
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&body, "Project: %s\nKind: %s\n", ev.Project, ev.Kind)
	if ev.Role != "" {
		fmt.Fprintf(&body, "Role: %s\n", ev.Role)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&body, "Reason: %s\n", ev.Reason)
	}
	if ev.LastError != "" {
		fmt.Fprintf(&body, "Last error: %s\nRetries: %d\n", ev.LastError, ev.RetryCount)
	}
	if ev.Checkpoint != "" {
		fmt.Fprintf(&body, "Latest checkpoint: %s\n", ev.Checkpoint)
	}
	for name, path := range ev.Artifacts {
		fmt.Fprintf(&body, "Artifact %s: %s\n", name, path)
	}
	fmt.Fprintf(&body, "At: %s\n", ev.At.Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, e.cfg.From, e.cfg.To, []byte(body.String())); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}
