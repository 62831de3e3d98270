package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendGridTransportSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("X-Message-Id", "msg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGridTransport("sg-key", srv.URL, 5*time.Second)
	msg := NewMessage("me@sender.com", "jane@x.com",
		WithSubject("Hello"),
		WithText("Hi Jane"),
		CustomArg("queue_item_id", "42"),
	)

	id, err := sg.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "msg-123", id)

	personalizations := got["personalizations"].([]any)
	require.Len(t, personalizations, 1)
	p := personalizations[0].(map[string]any)
	assert.Equal(t, map[string]any{"queue_item_id": "42"}, p["custom_args"])
	assert.Equal(t, "Hello", got["subject"])
}

func TestSendGridTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad key"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	sg := NewSendGridTransport("bad", srv.URL, time.Second)
	_, err := sg.Send(context.Background(), NewMessage("a@b.com", "c@d.com"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSendGridTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	sg := NewSendGridTransport("k", srv.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sg.Send(ctx, NewMessage("a@b.com", "c@d.com"))
	require.Error(t, err)
}

func TestBuildMIME(t *testing.T) {
	m := NewMessage("me@sender.com", "jane@x.com",
		WithNames("Sender", ""),
		WithSubject("Hello"),
		WithText("plain body"),
		WithHTML("<p>html body</p>"),
	)
	raw := string(buildMIME(m, "<id@host>", time.Unix(0, 0)))

	assert.Contains(t, raw, "From: \"Sender\" <me@sender.com>\r\n")
	assert.Contains(t, raw, "To: jane@x.com\r\n")
	assert.Contains(t, raw, "Message-ID: <id@host>\r\n")
	assert.Contains(t, raw, "multipart/alternative")
	assert.True(t, strings.Contains(raw, "plain body") && strings.Contains(raw, "<p>html body</p>"))
}

func TestBuildMIMEFoldsHeaderBreaks(t *testing.T) {
	m := NewMessage("me@sender.com", "pat@x.com",
		WithNames("Sender\r\nBcc: a@evil.com", ""),
		WithSubject("Quick question, Pat\r\nBcc: victim@evil.com"),
		WithText("body"),
		CustomArg("contact_id", "1\nX-Injected: yes"),
	)
	raw := string(buildMIME(m, "<id@host>", time.Unix(0, 0)))
	headers, _, found := strings.Cut(raw, "\r\n\r\n")
	require.True(t, found)

	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), line)
		assert.False(t, strings.HasPrefix(line, "X-Injected:"), line)
	}
	assert.Contains(t, headers, "Subject: Quick question, Pat Bcc: victim@evil.com\r\n")
}

func TestBuildMIMEEncodesHeaders(t *testing.T) {
	m := NewMessage("me@sender.com", "jose@x.com",
		WithNames("José Núñez", ""),
		WithSubject("Café für José"),
		WithText("body"),
	)
	raw := string(buildMIME(m, "<id@host>", time.Unix(0, 0)))
	headers, _, _ := strings.Cut(raw, "\r\n\r\n")

	assert.Contains(t, headers, "Subject: "+mime.QEncoding.Encode("utf-8", "Café für José")+"\r\n")
	assert.NotContains(t, headers, "Café")
	assert.Contains(t, headers, "From: =?utf-8?q?Jos=C3=A9_N=C3=BA=C3=B1ez?= <me@sender.com>\r\n")

	dec := new(mime.WordDecoder)
	subject, _, _ := strings.Cut(headers[strings.Index(headers, "Subject: ")+len("Subject: "):], "\r\n")
	decoded, err := dec.DecodeHeader(subject)
	require.NoError(t, err)
	assert.Equal(t, "Café für José", decoded)
}

type flakyTransport struct {
	calls int
	err   error
}

func (f *flakyTransport) Send(ctx context.Context, m Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	next := &flakyTransport{err: errors.New("provider down")}
	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 3
	cfg.FailureRate = 0.5
	b := NewBreaker(next, cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := b.Send(context.Background(), Message{})
		require.Error(t, err)
	}
	assert.False(t, b.Ready())

	_, err := b.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, next.calls)
}

func TestBreakerPassesThrough(t *testing.T) {
	next := &flakyTransport{}
	b := NewBreaker(next, DefaultBreakerConfig(), nil)

	id, err := b.Send(context.Background(), Message{})
	require.NoError(t, err)
	assert.Equal(t, "ok", id)
	assert.True(t, b.Ready())
}
