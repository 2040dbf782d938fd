package repository_test

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"testing"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailRepositoryCompose(t *testing.T) {
	e := repository.NewEmailRepository("smtp.example.com:587", "siren@example.com", "", "")
	raw, err := e.Compose("oncall@example.com", entity.Message{
		IncidentID: "inc-1",
		Severity:   4,
		Subject:    "[SEV4] payment_failure\nsecond line",
		Body:       "**stripe-gateway** is failing <script>alert(1)</script>",
	})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "siren@example.com", msg.Header.Get("From"))
	assert.Equal(t, "oncall@example.com", msg.Header.Get("To"))
	assert.Equal(t, "[SEV4] payment_failure second line", msg.Header.Get("Subject"))
	assert.Equal(t, "inc-1", msg.Header.Get("X-Siren-Incident"))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	parts := map[string]string{}
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(p)
		require.NoError(t, err)
		parts[p.Header.Get("Content-Type")] = string(b)
	}
	require.Len(t, parts, 2)
	assert.Contains(t, parts["text/plain; charset=UTF-8"], "**stripe-gateway**")
	html := parts["text/html; charset=UTF-8"]
	assert.Contains(t, html, "<strong>stripe-gateway</strong>")
	assert.NotContains(t, html, "<script>")
}

func TestEmailRepositoryComposeDefaultSubject(t *testing.T) {
	e := repository.NewEmailRepository("smtp.example.com:587", "siren@example.com", "user", "secret")
	raw, err := e.Compose("oncall@example.com", entity.Message{IncidentID: "inc-9", Body: "hello"})
	require.NoError(t, err)
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "[siren] incident inc-9", msg.Header.Get("Subject"))
}
