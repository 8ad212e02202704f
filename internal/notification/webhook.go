package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier POSTs each alert as a small JSON document to an operator
// endpoint, for wiring the trading alerts into whatever pager or chat
// bridge the deployment already has.
type WebhookNotifier struct {
	url    string
	httpc  *http.Client
	source string
}

// NewWebhookNotifier creates a notifier targeting the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		source: "autotrader",
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	doc := struct {
		Source  string `json:"source"`
		Level   string `json:"level"`
		Title   string `json:"title"`
		Message string `json:"message"`
		SentAt  string `json:"sent_at"`
	}{
		Source:  w.source,
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
