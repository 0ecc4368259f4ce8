// Package notification delivers simulation e-mails.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
)

const (
	DefaultSubject = "Important Security Update"
	DefaultFrom    = `"Phishing Simulator" <noreply@example.com>`
)

type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Mailer sends one message. Implementations must honour ctx cancellation.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

var layout = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family: Arial, sans-serif; color: #222;">
{{.Body}}
</body>
</html>
`))

// Compose wraps an already rendered body in the standard HTML layout.
func Compose(to, subject, body string) (Message, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	var out bytes.Buffer
	err := layout.Execute(&out, struct {
		Subject string
		Body    template.HTML
	}{Subject: subject, Body: template.HTML(body)})
	if err != nil {
		return Message{}, fmt.Errorf("failed to execute layout template: %w", err)
	}

	return Message{To: []string{to}, Subject: subject, HTML: out.String()}, nil
}

// LogMailer records messages in the log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("mail delivery skipped",
		"email", msg.To,
		"subject", msg.Subject,
		"bytes", len(msg.HTML),
	)
	return nil
}
