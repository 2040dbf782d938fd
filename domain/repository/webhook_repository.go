package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pyama86/siren/domain/entity"
)

// WebhookRepository hands sms and voice pages to an HTTP gateway.
type WebhookRepository struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	IncidentID string `json:"incident_id"`
	Severity   int    `json:"severity"`
	Target     string `json:"target"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

func NewWebhookRepository(url string, timeout time.Duration) *WebhookRepository {
	return &WebhookRepository{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookRepository) Send(ctx context.Context, target string, msg entity.Message) error {
	payload, err := json.Marshal(webhookPayload{
		IncidentID: msg.IncidentID,
		Severity:   msg.Severity,
		Target:     target,
		Subject:    msg.Subject,
		Body:       msg.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode/100 == 4 {
			return fmt.Errorf("%w: webhook returned %d: %s", ErrTargetRejected, resp.StatusCode, bytes.TrimSpace(b))
		}
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return nil
}
