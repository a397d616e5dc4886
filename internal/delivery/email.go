package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/smtp"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"

	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// Message is a rendered email ready for a transport.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// MailTransport hands a rendered message to a mail system.
type MailTransport interface {
	Send(ctx context.Context, m Message) error
}

type TemplateSource interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.EmailTemplate, error)
}

// TemplateEmailSender renders stored templates for a recipient and sends them.
type TemplateEmailSender struct {
	templates TemplateSource
	transport MailTransport
	timeout   time.Duration
}

func NewTemplateEmailSender(templates TemplateSource, transport MailTransport, timeout time.Duration) *TemplateEmailSender {
	return &TemplateEmailSender{templates: templates, transport: transport, timeout: timeout}
}

type templateData struct {
	FirstName string
	LastName  string
	Email     string
	StoreID   string
}

func (s *TemplateEmailSender) SendTemplatedEmail(ctx context.Context, templateID string, recipient Recipient) Result {
	to := strings.TrimSpace(recipient.Email)
	if to == "" {
		return FailedPermanent("recipient email is empty")
	}
	id, err := uuid.Parse(strings.TrimSpace(templateID))
	if err != nil {
		return FailedPermanent("invalid template id %q", templateID)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tpl, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return FailedPermanent("template %s not found", id)
		}
		return Failed("load template: %v", err)
	}

	data := templateData{FirstName: recipient.FirstName, LastName: recipient.LastName, Email: to, StoreID: recipient.StoreID}
	subject, err := renderText(tpl.Subject, data)
	if err != nil {
		return FailedPermanent("render subject: %v", err)
	}
	body, err := renderHTML(tpl.HTMLBody, data)
	if err != nil {
		return FailedPermanent("render body: %v", err)
	}

	if err := s.transport.Send(ctx, Message{To: to, Subject: subject, HTML: body}); err != nil {
		return Failed("send: %v", err)
	}
	return Ok()
}

func renderText(src string, data templateData) (string, error) {
	t, err := texttemplate.New("subject").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(src string, data templateData) (string, error) {
	t, err := template.New("body").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SMTPTransport sends through an SMTP relay with STARTTLS.
type SMTPTransport struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

func (t *SMTPTransport) Send(ctx context.Context, m Message) error {
	e := email.NewEmail()
	e.From = fmt.Sprintf("%s <%s>", t.FromName, t.FromEmail)
	e.To = []string{m.To}
	e.Subject = m.Subject
	e.HTML = []byte(m.HTML)

	auth := smtp.PlainAuth("", t.Username, t.Password, t.Host)
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)

	// The SMTP client has no context support; the send is abandoned, not
	// interrupted, when ctx ends first.
	done := make(chan error, 1)
	go func() {
		done <- e.SendWithStartTLS(addr, auth, &tls.Config{ServerName: t.Host})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPTransport posts rendered messages to an email service.
type HTTPTransport struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (t *HTTPTransport) Send(ctx context.Context, m Message) error {
	base := strings.TrimRight(strings.TrimSpace(t.BaseURL), "/")
	if base == "" {
		return errors.New("email service url not configured")
	}
	hc := t.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	b, _ := json.Marshal(m)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/send/campaign", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if res := httpResult("email-service", resp); !res.OK {
		return errors.New(res.Reason)
	}
	return nil
}
