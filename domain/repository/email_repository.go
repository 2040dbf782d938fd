package repository

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pyama86/siren/domain/entity"
	"github.com/russross/blackfriday/v2"
)

// EmailRepository is the email channel. Bodies are markdown; the message carries
// a plain part and a sanitized HTML rendition.
type EmailRepository struct {
	addr     string
	from     string
	auth     smtp.Auth
	sanitize *bluemonday.Policy
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailRepository(addr, from, username, password string) *EmailRepository {
	var auth smtp.Auth
	if username != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailRepository{
		addr:     addr,
		from:     from,
		auth:     auth,
		sanitize: bluemonday.UGCPolicy(),
		sendMail: smtp.SendMail,
	}
}

func (e *EmailRepository) Send(ctx context.Context, target string, msg entity.Message) error {
	raw, err := e.Compose(target, msg)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- e.sendMail(e.addr, e.auth, e.from, []string{target}, raw) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail to %s: %w", target, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compose builds the RFC 5322 message.
func (e *EmailRepository) Compose(target string, msg entity.Message) ([]byte, error) {
	subject := msg.Subject
	if subject == "" {
		subject = fmt.Sprintf("[siren] incident %s", msg.IncidentID)
	}
	html := e.sanitize.SanitizeBytes(blackfriday.Run([]byte(msg.Body)))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct {
		contentType string
		content     []byte
	}{
		{"text/plain; charset=UTF-8", []byte(msg.Body)},
		{"text/html; charset=UTF-8", html},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(part.content); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.from)
	fmt.Fprintf(&buf, "To: %s\r\n", target)
	fmt.Fprintf(&buf, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&buf, "X-Siren-Incident: %s\r\n", msg.IncidentID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}
