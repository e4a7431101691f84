package trigger

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/pkg/retry"
)

// WebhookChannel posts the rendered message to the action target URL.
type WebhookChannel struct {
	client *http.Client
	retry  retry.Config
}

// NewWebhookChannel creates a webhook channel. A zero timeout keeps the
// client default.
func NewWebhookChannel(timeout time.Duration, cfg errors.RetryConfig) *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{Timeout: timeout},
		retry:  cfg.ToRetryConfig(),
	}
}

// WithTLS sets the TLS configuration used for https targets.
func (c *WebhookChannel) WithTLS(cfg *tls.Config) *WebhookChannel {
	if cfg != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg
		c.client.Transport = transport
	}
	return c
}

// Type implements Channel.
func (c *WebhookChannel) Type() ChannelType { return ChannelHTTPWebhook }

// Execute implements Channel. Server errors are retried according to the
// retry configuration, client errors are not.
func (c *WebhookChannel) Execute(ctx context.Context, d Dispatch, rendered string) error {
	if err := validateWebhookURL(d.Action.Target); err != nil {
		return err
	}

	err := retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Action.Target, strings.NewReader(rendered))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %s", resp.Status)
		default:
			return retry.NonRetryable(fmt.Errorf("webhook returned %s", resp.Status))
		}
	})
	if err != nil {
		return errors.WrapDispatch(err, "WebhookChannel", "Execute", "post webhook")
	}
	return nil
}
