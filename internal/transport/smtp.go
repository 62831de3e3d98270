package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPTransport relays messages through an SMTP server. It is mostly used
// against a local catcher such as Mailpit; the provider id it returns is the
// Message-ID header it generated.
type SMTPTransport struct {
	Host      string
	Port      int
	Username  string
	Password  string
	TLSConfig *tls.Config
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.TLSConfig != nil {
		return t.TLSConfig
	}
	return &tls.Config{ServerName: t.Host}
}

func (t *SMTPTransport) messageIDDomain() string {
	if strings.Contains(t.Host, ".") {
		return t.Host
	}
	return "localhost"
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// headerValue folds CR and LF out of v so lead data cannot start a new header.
func headerValue(v string) string {
	return headerBreaks.Replace(v)
}

func formatAddress(name, addr string) string {
	addr = headerValue(addr)
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: headerValue(name), Address: addr}).String()
}

// buildMIME renders m as a single-part (or multipart/alternative when both
// text and html are present) message.
func buildMIME(m Message, messageID string, now time.Time) []byte {
	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(headerValue(k))
		b.WriteString(": ")
		b.WriteString(headerValue(v))
		b.WriteString("\r\n")
	}

	writeHeader("From", formatAddress(m.FromName, m.From))
	writeHeader("To", formatAddress(m.ToName, m.To))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", headerValue(m.Subject)))
	writeHeader("Date", now.Format(time.RFC1123Z))
	writeHeader("Message-ID", messageID)
	writeHeader("MIME-Version", "1.0")
	for k, v := range m.CustomArgs {
		writeHeader("X-Outreach-"+k, v)
	}

	switch {
	case m.Text != "" && m.HTML != "":
		boundary := "alt-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		writeHeader("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
		b.WriteString("\r\n")
		b.WriteString("--" + boundary + "\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(m.Text + "\r\n")
		b.WriteString("--" + boundary + "\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(m.HTML + "\r\n")
		b.WriteString("--" + boundary + "--\r\n")
	case m.HTML != "":
		writeHeader("Content-Type", `text/html; charset="UTF-8"`)
		b.WriteString("\r\n" + m.HTML)
	default:
		writeHeader("Content-Type", `text/plain; charset="UTF-8"`)
		b.WriteString("\r\n" + m.Text)
	}
	return []byte(b.String())
}

// Send delivers m. The context deadline bounds the whole SMTP conversation.
func (t *SMTPTransport) Send(ctx context.Context, m Message) (string, error) {
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if t.Port == 465 {
		conn = tls.Client(conn, t.tlsConfig())
	}

	c, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if t.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(t.tlsConfig()); err != nil {
				return "", fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if t.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", t.Username, t.Password, t.Host)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.messageIDDomain())

	if err := c.Mail(m.From); err != nil {
		return "", err
	}
	if err := c.Rcpt(m.To); err != nil {
		return "", err
	}
	w, err := c.Data()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(buildMIME(m, messageID, time.Now())); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	_ = c.Quit()

	return messageID, nil
}
