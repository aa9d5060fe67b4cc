package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailChannel renders alerts as severity-colored HTML and delivers them
// over SMTP.
type EmailChannel struct {
	cfg  EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel builds the email channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Enabled() bool {
	return e.cfg.Enabled && e.cfg.Host != "" && len(e.cfg.Recipients) > 0
}

func (e *EmailChannel) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	port := e.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, port)

	msg := e.render(a)
	if err := e.send(addr, auth, e.cfg.From, e.cfg.Recipients, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityHigh:
		return "#d32f2f"
	case SeverityMedium:
		return "#f57c00"
	default:
		return "#388e3c"
	}
}

func (e *EmailChannel) render(a Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] Security alert: %s\r\n", strings.ToUpper(string(a.Severity)), a.Type)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")

	fmt.Fprintf(&b, "<html><body style=\"font-family:sans-serif\">")
	fmt.Fprintf(&b, "<h2 style=\"color:%s\">%s</h2>", severityColor(a.Severity), a.Type)
	fmt.Fprintf(&b, "<p><b>Severity:</b> %s<br><b>Time:</b> %s<br><b>ID:</b> %s</p>",
		a.Severity, a.Time.UTC().Format(time.RFC3339), a.ID)
	if len(a.Details) > 0 {
		b.WriteString("<table border=\"0\" cellpadding=\"4\">")
		for k, v := range a.Details {
			fmt.Fprintf(&b, "<tr><td><b>%s</b></td><td>%s</td></tr>", k, v)
		}
		b.WriteString("</table>")
	}
	b.WriteString("</body></html>\r\n")
	return []byte(b.String())
}
