// Package transport delivers composed messages to a mail provider.
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable is returned without contacting the provider when the
// transport knows it cannot deliver right now.
var ErrUnavailable = errors.New("mail transport unavailable")

// Transport sends one message and returns the provider's message id.
// Engagement callbacks from the provider are later keyed by that id.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Readiness is implemented by transports that can tell, before a send, that
// it would be refused.
type Readiness interface {
	Ready() bool
}

type Message struct {
	To         string
	ToName     string
	From       string
	FromName   string
	Subject    string
	Text       string
	HTML       string
	CustomArgs map[string]string
}

type MessageOption func(*Message)

func NewMessage(from, to string, opts ...MessageOption) Message {
	m := Message{
		From: from,
		To:   to,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func WithSubject(sub string) MessageOption {
	return func(m *Message) {
		m.Subject = sub
	}
}

func WithText(text string) MessageOption {
	return func(m *Message) {
		m.Text = text
	}
}

func WithHTML(html string) MessageOption {
	return func(m *Message) {
		m.HTML = html
	}
}

func WithNames(fromName, toName string) MessageOption {
	return func(m *Message) {
		m.FromName = fromName
		m.ToName = toName
	}
}

// CustomArg attaches a key/value the provider echoes back on webhooks.
func CustomArg(key, value string) MessageOption {
	return func(m *Message) {
		if m.CustomArgs == nil {
			m.CustomArgs = make(map[string]string)
		}
		m.CustomArgs[key] = value
	}
}
