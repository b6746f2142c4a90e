package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/metrics"
)

// Webhook posts each notification as JSON to a fixed set of URLs.
//
// Failed deliveries are logged but not retried; the admin-review queue can
// always be rebuilt from GET /admin/flagged-users.
type Webhook struct {
	urls    []string
	client  *http.Client
	metrics *metrics.Collector
	wg      sync.WaitGroup
}

// NewWebhook creates a Webhook sink. m may be nil.
func NewWebhook(urls []string, m *metrics.Collector) *Webhook {
	return &Webhook{
		urls:    urls,
		metrics: m,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Publish implements Publisher. Each URL is called in its own goroutine.
func (w *Webhook) Publish(_ context.Context, n domain.FlagNotification) {
	for _, u := range w.urls {
		w.wg.Add(1)
		go func(url string) {
			defer w.wg.Done()
			if err := w.send(url, n); err != nil {
				slog.Warn("webhook: delivery failed", "url", url, "event", n.Event, "flag_id", n.Flag.ID, "error", err)
				if w.metrics != nil {
					w.metrics.NotificationFailures.WithLabelValues("webhook").Inc()
				}
			}
		}(u)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

// send delivers a single webhook call and logs the outcome.
func (w *Webhook) send(url string, n domain.FlagNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// Detached from the request: the HTTP response has usually been written
	// by the time this runs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Integrity-Event", n.Event)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	slog.Info("webhook: delivered",
		"url", url,
		"status", resp.StatusCode,
		"event", n.Event,
		"user_id", n.UserID,
		"flag_id", n.Flag.ID,
	)
	return nil
}
