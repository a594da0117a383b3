// Package notify delivers fire-and-forget structured messages about
// completed operations and run summaries. Delivery failure is logged and
// never retried; the pipeline does not block on the sink.
package notify

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

// Event is one structured notification.
type Event struct {
	Kind      string                 `json:"kind"`
	OriginTag string                 `json:"origin_tag,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

const (
	KindUploaded   = "chapter_uploaded"
	KindEdited     = "chapter_edited"
	KindDeleted    = "chapter_deleted"
	KindFailed     = "operation_failed"
	KindMangaBatch = "manga_batch"
	KindRunSummary = "run_summary"
)

// Sink receives events. Implementations must not block the caller beyond a
// short send.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// WebhookSink posts each event as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
	log    logger.Logger
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.New(),
	}
}

func (s *WebhookSink) Publish(ctx context.Context, event Event) {
	if s.url == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Err(err).Warn("notification payload marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.log.Err(err).Warn("notification request failed to build")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Err(err).Warn("notification delivery failed", logger.Data{"kind": event.Kind})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warn("notification rejected", logger.Data{"kind": event.Kind, "status": resp.StatusCode})
	}
}

// NoopSink discards every event. Used in tests and when no webhook is
// configured.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) {}
