package poller

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const emailPlain = `
{{- with .Reminder -}}
Hi {{.User.Name}},

It's time to take:
{{range .Doses -}}
* {{.MedicationName}} {{.Dosage}}, scheduled at {{.ScheduledAt.Format "15:04"}}.
{{end}}
Mark them taken in PillQuest to keep your streak going: {{$.BaseURL}}{{.TakeLink}}
{{- end}}
`

var emailPlainTemplate = template.Must(template.New("email").Parse(emailPlain))

// RenderPlain renders the plain-text body of a reminder email.
func RenderPlain(baseURL string, r *Reminder) (string, error) {
	buf := &bytes.Buffer{}
	err := emailPlainTemplate.Execute(buf, struct {
		BaseURL  string
		Reminder *Reminder
	}{baseURL, r})
	if err != nil {
		return "", fmt.Errorf("while templating plain-text email content: %w", err)
	}
	return buf.String(), nil
}

// SendgridSender emails reminders through SendGrid.
type SendgridSender struct {
	client   *sendgrid.Client
	fromName string
	fromAddr string
	baseURL  string
}

func NewSendgridSender(client *sendgrid.Client, fromName, fromAddr, baseURL string) *SendgridSender {
	return &SendgridSender{
		client:   client,
		fromName: fromName,
		fromAddr: fromAddr,
		baseURL:  baseURL,
	}
}

func (s *SendgridSender) Send(ctx context.Context, r *Reminder) error {
	message := mail.NewV3Mail()
	message.From = mail.NewEmail(s.fromName, s.fromAddr)
	message.Subject = "PillQuest: time for your medication"

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail(r.User.Name, r.User.Email))
	message.Personalizations = append(message.Personalizations, personalization)

	text, err := RenderPlain(s.baseURL, r)
	if err != nil {
		return err
	}
	message.Content = append(message.Content, mail.NewContent("text/plain", text))

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through Sendgrid: %d %s", resp.StatusCode, resp.Body)
	}

	return nil
}

// LogSender only logs reminders.  It stands in when no mail provider is
// configured.
type LogSender struct {
	BaseURL string
}

func (s LogSender) Send(ctx context.Context, r *Reminder) error {
	text, err := RenderPlain(s.BaseURL, r)
	if err != nil {
		return err
	}
	glog.Infof("Reminder for %s <%s>:\n%s", r.User.Username, r.User.Email, text)
	return nil
}
