package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridSendPath = "/v3/mail/send"

// SendGridTransport posts messages to the SendGrid v3 mail/send endpoint.
type SendGridTransport struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

func NewSendGridTransport(apiKey, baseURL string, timeout time.Duration) *SendGridTransport {
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	return &SendGridTransport{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

func buildSendGridMail(m Message) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(m.FromName, m.From))
	message.Subject = m.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(m.ToName, m.To))
	for k, v := range m.CustomArgs {
		p.SetCustomArg(k, v)
	}
	message.AddPersonalizations(p)

	if m.Text != "" {
		message.AddContent(mail.NewContent("text/plain", m.Text))
	}
	if m.HTML != "" {
		message.AddContent(mail.NewContent("text/html", m.HTML))
	}
	return message
}

// Send delivers m and returns the X-Message-Id SendGrid assigned.
func (s *SendGridTransport) Send(ctx context.Context, m Message) (string, error) {
	body := mail.GetRequestBody(buildSendGridMail(m))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+sendGridSendPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: s.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendgrid send error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("sendgrid API error: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// The message was accepted, so it must be recorded as sent even if the
	// id header is missing; engagement events for it will simply not match.
	id := resp.Header.Get("X-Message-Id")
	if id == "" {
		id = "local-" + uuid.NewString()
	}
	return id, nil
}
