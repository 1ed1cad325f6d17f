package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/adapter"
)

var _ adapter.Dispatcher = (*WebhookDispatcher)(nil)

// WebhookDispatcher POSTs {principal, payload} as JSON to a front end that
// knows how to execute payloads. 5xx responses and transport errors are retried.
type WebhookDispatcher struct {
	client *resty.Client
	url    string
}

type webhookBody struct {
	Principal string `json:"principal"`
	Payload   string `json:"payload"`
}

func NewWebhookDispatcher(endpoint string, timeout time.Duration, retries int) (*WebhookDispatcher, error) {
	if endpoint == "" {
		return nil, errors.New("webhook url empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	return &WebhookDispatcher{client: c, url: endpoint}, nil
}

func (w *WebhookDispatcher) Name() string { return "webhook" }

func (w *WebhookDispatcher) Dispatch(ctx context.Context, principal model.PrincipalID, payload string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookBody{Principal: string(principal), Payload: payload}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook dispatch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook dispatch: status %d", resp.StatusCode())
	}
	return nil
}
