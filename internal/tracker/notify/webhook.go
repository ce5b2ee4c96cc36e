// Package notify delivers best-effort webhook notifications when a tracked
// request reaches a terminal status. Delivery failures are logged and never
// affect the correlation result.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/jsoncodec"
	"github.com/pubtrack/pubtrack/internal/tracker/logging"
	"github.com/pubtrack/pubtrack/internal/tracker/retry"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
)

// Payload is the JSON body posted to the webhook URL.
type Payload struct {
	RequestID   string    `json:"request_id"`
	Subject     string    `json:"subject"`
	Status      string    `json:"status"`
	Response    any       `json:"response,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}

// WebhookNotifier posts notifications asynchronously, retrying transient
// failures with a fixed delay.
type WebhookNotifier struct {
	client   *http.Client
	executor *retry.Executor
	strategy retry.Strategy
	logger   logging.ServiceLogger
}

// NewWebhookNotifier returns a notifier. Nil arguments fall back to a
// 10-second HTTP client, a 3-attempt fixed-delay strategy and a no-op
// logger.
func NewWebhookNotifier(client *http.Client, executor *retry.Executor, strategy retry.Strategy, logger logging.ServiceLogger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if executor == nil {
		executor = retry.NewExecutor(logger)
	}
	if strategy == nil {
		strategy = retry.FixedDelay{Interval: 2 * time.Second, Attempts: 3}
	}
	return &WebhookNotifier{
		client:   client,
		executor: executor,
		strategy: strategy,
		logger:   logger,
	}
}

// Notify posts the record's terminal state to url. It returns immediately;
// the delivery runs in the background and its failure is only logged.
func (n *WebhookNotifier) Notify(ctx context.Context, url string, record *store.RequestRecord) {
	body, err := n.encode(record)
	if err != nil {
		n.logger.Error("failed to encode webhook payload", err, logging.LogFields{
			"request_id": record.ID,
		})
		return
	}

	// Detach from the correlation call's lifetime.
	sendCtx := context.WithoutCancel(ctx)
	requestID := record.ID

	result := n.executor.Do(sendCtx, "webhook", func(ctx context.Context) error {
		return n.send(ctx, url, body)
	}, n.strategy)

	go func() {
		if err := <-result; err != nil {
			n.logger.Error("webhook delivery failed", err, logging.LogFields{
				"request_id": requestID,
				"url":        url,
			})
		}
	}()
}

func (n *WebhookNotifier) encode(record *store.RequestRecord) ([]byte, error) {
	payload := Payload{
		RequestID: record.ID,
		Subject:   record.Subject,
		Status:    string(record.Status),
	}
	if record.RespondedAt != nil {
		payload.RespondedAt = *record.RespondedAt
	}
	if len(record.Response) > 0 {
		var response any
		if err := jsoncodec.Unmarshal(record.Response, &response); err == nil {
			payload.Response = response
		} else {
			payload.Response = string(record.Response)
		}
	}
	return jsoncodec.Marshal(payload)
}

func (n *WebhookNotifier) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errspkg.NewValidationError("webhook_url", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errspkg.NewTransportError("webhook post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errspkg.NewTransportError("webhook post",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
