package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifierPostsAlertDocument(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{
		Level:   AlertWarning,
		Title:   "autotrader",
		Message: "public IP has changed: 1.2.3.4 -> 5.6.7.8",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["source"] != "autotrader" || got["level"] != "WARNING" {
		t.Errorf("payload envelope = %v", got)
	}
	if got["message"] != "public IP has changed: 1.2.3.4 -> 5.6.7.8" {
		t.Errorf("payload message = %q", got["message"])
	}
}

func TestWebhookNotifierReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), Alert{Message: "x"}); err == nil {
		t.Error("non-2xx response should surface as an error")
	}
}
