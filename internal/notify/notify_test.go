package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/metrics"
	"mobilize/integrity-api/internal/notify"
)

func sampleNotification() domain.FlagNotification {
	return domain.FlagNotification{
		Event:       domain.EventFlagRaised,
		TriggeredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UserID:      "u1",
		Score:       90,
		Flag: domain.Flag{
			ID:     "f1",
			UserID: "u1",
			Kind:   domain.FlagAbnormalClicks,
			Rule:   domain.RuleAbnormalClicks,
			Status: domain.FlagOpen,
			Weight: 10,
		},
	}
}

// ─── Webhook ──────────────────────────────────────────────────────────────────

func TestWebhook_Publish_PostsJSONToEveryURL(t *testing.T) {
	var mu sync.Mutex
	var received []domain.FlagNotification
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n domain.FlagNotification
		_ = json.NewDecoder(r.Body).Decode(&n)
		mu.Lock()
		received = append(received, n)
		events = append(events, r.Header.Get("X-Integrity-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := notify.NewWebhook([]string{srv.URL + "/a", srv.URL + "/b"}, nil)
	wh.Publish(context.Background(), sampleNotification())
	wh.Wait()

	require.Len(t, received, 2)
	assert.Equal(t, "f1", received[0].Flag.ID)
	assert.Equal(t, []string{domain.EventFlagRaised, domain.EventFlagRaised}, events)
}

func TestWebhook_ServerError_CountsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := metrics.NewCollector()
	wh := notify.NewWebhook([]string{srv.URL}, m)
	wh.Publish(context.Background(), sampleNotification())
	wh.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailures.WithLabelValues("webhook")))
}

// ─── Kafka ────────────────────────────────────────────────────────────────────

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafka_Publish_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	k := notify.NewKafka(w, nil)
	k.Publish(context.Background(), sampleNotification())
	require.NoError(t, k.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1", string(w.msgs[0].Key))
	assert.Equal(t, "event", w.msgs[0].Headers[0].Key)
	assert.Equal(t, domain.EventFlagRaised, string(w.msgs[0].Headers[0].Value))

	var n domain.FlagNotification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &n))
	assert.Equal(t, "f1", n.Flag.ID)
}

func TestKafka_WriteError_CountsFailure(t *testing.T) {
	m := metrics.NewCollector()
	k := notify.NewKafka(&fakeWriter{err: errors.New("broker down")}, m)
	k.Publish(context.Background(), sampleNotification())
	require.NoError(t, k.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailures.WithLabelValues("kafka")))
}

// ─── Fanout ───────────────────────────────────────────────────────────────────

type recorder struct{ got []string }

func (r *recorder) Publish(_ context.Context, n domain.FlagNotification) {
	r.got = append(r.got, n.Flag.ID)
}

func TestFanout_PublishesToAllSinks(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	notify.Fanout{a, notify.Discard{}, b}.Publish(context.Background(), sampleNotification())

	assert.Equal(t, []string{"f1"}, a.got)
	assert.Equal(t, []string{"f1"}, b.got)
}
