// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"usecasehub/api/internal/workflow"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// AppURL is the base link placed in notification emails.
	AppURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-usecasehub"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// CommentData fills the clarification email template.
type CommentData struct {
	AppName       string
	RecipientName string
	ActorName     string
	EntityLabel   string
	Title         string
	Comment       string
	LineNumber    int
	URL           string
}

// SendCommentNotification tells an author a reviewer asked for clarification.
func (s *Service) SendCommentNotification(to string, n workflow.Notification) error {
	data := CommentData{
		AppName:       "Use Case Review",
		RecipientName: n.RecipientName,
		ActorName:     n.ActorName,
		EntityLabel:   entityLabel(n.Kind),
		Title:         n.Title,
		Comment:       n.Comment,
		URL:           s.entityURL(n),
	}
	if n.LineNumber != nil {
		data.LineNumber = *n.LineNumber
	}

	subject := fmt.Sprintf("%s asked for clarification on %q", n.ActorName, n.Title)
	html, err := renderTemplate(commentEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render comment template: %w", err)
	}
	text := fmt.Sprintf("%s commented on %s %q:\n\n%s\n\n%s", n.ActorName, data.EntityLabel, n.Title, n.Comment, data.URL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func (s *Service) entityURL(n workflow.Notification) string {
	base := strings.TrimRight(s.config.AppURL, "/")
	if n.Kind == workflow.KindUseCase {
		return base + "/use-cases/" + n.EntityID
	}
	return base + "/steps/" + n.EntityID
}

func entityLabel(kind workflow.Kind) string {
	if kind == workflow.KindUseCase {
		return "use case"
	}
	return "step"
}

// AddressBook resolves a user id to an email address.
type AddressBook interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
}

// Notifier delivers workflow notifications by email.
type Notifier struct {
	service *Service
	book    AddressBook
}

func NewNotifier(service *Service, book AddressBook) *Notifier {
	return &Notifier{service: service, book: book}
}

func (n *Notifier) Notify(ctx context.Context, note workflow.Notification) error {
	if !n.service.IsConfigured() {
		return ErrNotConfigured
	}
	to, err := n.book.EmailForUser(ctx, note.RecipientID)
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", note.RecipientID, err)
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("recipient %s has no email address", note.RecipientID)
	}
	return n.service.SendCommentNotification(to, note)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const commentEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Clarification requested on {{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .comment { background: #f5f7fa; border-left: 3px solid #0066cc; padding: 12px; margin: 20px 0; white-space: pre-wrap; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.RecipientName}},</p>

    <p>{{.ActorName}} commented on your {{.EntityLabel}} <strong>{{.Title}}</strong>{{if .LineNumber}} at line {{.LineNumber}}{{end}}. It now needs clarification before it can be approved.</p>

    <div class="comment">{{.Comment}}</div>

    <p>
        <a href="{{.URL}}" class="button">Open {{.EntityLabel}}</a>
    </p>

    <div class="footer">
        <p>Revise the content to send it back to review.</p>
    </div>
</body>
</html>`
