// internal/service/template_service.go
package service

import (
	"fmt"
	"html"
	"strings"

	"github.com/unclebandit/outreach-dispatch/internal/model"
)

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

func contactPlaceholders(c *model.Contact) map[string]string {
	return map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"company":    c.Company,
	}
}

// UnsubscribeURL is the public link embedded in every outgoing message.
func UnsubscribeURL(baseURL string, contactID int64) string {
	return fmt.Sprintf("%s/unsubscribe/%d", strings.TrimRight(baseURL, "/"), contactID)
}

// ComposedMessage is a variation rendered for one contact, footer included.
type ComposedMessage struct {
	Subject string
	Text    string
	HTML    string
}

// Compose renders the variation's placeholders and appends the unsubscribe
// footer. The footer depends only on the contact id, so re-composing the same
// item always produces the same link.
func Compose(v *model.EmailVariation, c *model.Contact, baseURL string) ComposedMessage {
	data := contactPlaceholders(c)
	subject := RenderTemplate(v.Subject, data)
	body := RenderTemplate(v.Body, data)
	link := UnsubscribeURL(baseURL, c.ID)

	text := body + "\n\n--\nDon't want to hear from me again? Unsubscribe: " + link

	var b strings.Builder
	for _, para := range strings.Split(body, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>\n")
	}
	fmt.Fprintf(&b, `<p style="font-size:12px;color:#888">Don't want to hear from me again? <a href="%s">Unsubscribe</a></p>`,
		html.EscapeString(link))

	return ComposedMessage{Subject: subject, Text: text, HTML: b.String()}
}
