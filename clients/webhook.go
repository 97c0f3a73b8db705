package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
)

const webhookTimeout = 10 * time.Second

// WebhookNotification is the payload pushed outward when a stage finishes.
// CorrelationID is whatever opaque identifier the caller attached to the
// upload; the pipeline never interprets it.
type WebhookNotification struct {
	CorrelationID string `json:"correlation_id"`
	HLSMasterURL  string `json:"hls_master_url"`
	Stage         string `json:"stage"`
	Secret        string `json:"secret,omitempty"`
}

type WebhookSender interface {
	NotifyStageComplete(ctx context.Context, jobID, correlationID, hlsMasterURL, stage string) error
}

// WebhookClient delivers stage-completion notifications. Delivery is best
// effort: the worker logs failures and never fails a job over them.
type WebhookClient struct {
	httpClient *retryablehttp.Client
	url        string
	secret     string
}

func NewWebhookClient(webhookURL, secret string) *WebhookClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		Timeout: webhookTimeout,
	}

	return &WebhookClient{
		httpClient: client,
		url:        webhookURL,
		secret:     secret,
	}
}

// Enabled reports whether a webhook URL was configured at all.
func (c *WebhookClient) Enabled() bool {
	return c != nil && c.url != ""
}

func (c *WebhookClient) NotifyStageComplete(ctx context.Context, jobID, correlationID, hlsMasterURL, stage string) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(WebhookNotification{
		CorrelationID: correlationID,
		HLSMasterURL:  hlsMasterURL,
		Stage:         stage,
		Secret:        c.secret,
	})
	if err != nil {
		return fmt.Errorf("error marshalling webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Webhook-Secret", c.secret)
	}

	host := hostLabel(c.url)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.Metrics.WebhookClient.RequestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Metrics.WebhookClient.FailureCount.WithLabelValues(host, "0").Inc()
		return fmt.Errorf("webhook delivery to %q failed: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.Metrics.WebhookClient.FailureCount.WithLabelValues(host, fmt.Sprint(resp.StatusCode)).Inc()
		return fmt.Errorf("webhook delivery to %q failed with status %d", c.url, resp.StatusCode)
	}
	log.Log(jobID, "delivered webhook", "correlation_id", correlationID, "stage", stage)
	return nil
}

func hostLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
