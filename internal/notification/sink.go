package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event describes a purchase reaching a terminal state. Delivery is
// fire-and-forget: the purchase transition is already committed by the time a
// sink sees it.
type Event struct {
	Type          EventType `json:"type"`
	PurchaseID    string    `json:"purchase_id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	Amount        int32     `json:"amount"`
	Currency      string    `json:"currency"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "purchase event",
		"type", string(event.Type),
		"purchase_id", event.PurchaseID,
		"user_id", event.UserID,
		"product_id", event.ProductID,
		"amount", event.Amount,
		"transaction_id", event.TransactionID,
	)
	return nil
}

// WebhookSink posts events as JSON to a chat webhook.
type WebhookSink struct {
	httpClient *http.Client
	url        string
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		url: url,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Multi fans an event out to every sink, returning the first error after all
// sinks have been attempted.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, event Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
