package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// WebhookConfig describes a single webhook hook.
type WebhookConfig struct {
	Selector
	Name         string
	URL          string
	Method       string
	Headers      map[string]string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Secret       string // HMAC-SHA256 signing key
	Template     string // "slack", "teams", or empty for raw JSON
}

// WebhookSender delivers events to HTTP endpoints with retries and HMAC
// signing. Every attempt of one delivery carries the same X-Athena-Delivery id.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookSender creates a webhook sender sharing one HTTP client.
func NewWebhookSender(timeout time.Duration, logger *slog.Logger) *WebhookSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send delivers an event to a webhook endpoint in the background.
func (w *WebhookSender) Send(cfg WebhookConfig, evt Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(cfg, evt)
	}()
}

func webhookBody(cfg WebhookConfig, evt Event) ([]byte, error) {
	switch cfg.Template {
	case "slack":
		return buildSlackPayload(evt)
	case "teams":
		return buildTeamsPayload(evt)
	default:
		return json.Marshal(evt)
	}
}

// deliver attempts the webhook up to cfg.Retries times with exponential
// backoff, giving up early when the sender is closed.
func (w *WebhookSender) deliver(cfg WebhookConfig, evt Event) {
	body, err := webhookBody(cfg, evt)
	if err != nil {
		w.logger.Error("failed to marshal webhook payload",
			"hook_name", cfg.Name, "error", err)
		return
	}

	retries := max(cfg.Retries, 1)
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = time.Second
	}
	delivery := uuid.NewString()
	start := time.Now()

retry:
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-w.ctx.Done():
				err = w.ctx.Err()
				break retry
			}
		}

		if err = w.post(cfg, evt, delivery, body); err == nil {
			metrics.HookExecutions.WithLabelValues("webhook", "success").Inc()
			metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
			w.logger.Debug("webhook delivered",
				"hook_name", cfg.Name,
				"delivery", delivery,
				"event", string(evt.Type),
				"attempt", attempt+1)
			return
		}

		w.logger.Warn("webhook delivery failed",
			"hook_name", cfg.Name,
			"url", cfg.URL,
			"attempt", attempt+1,
			"max_retries", retries,
			"error", err)
	}

	metrics.HookExecutions.WithLabelValues("webhook", "error").Inc()
	metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
	w.logger.Error("webhook delivery abandoned",
		"hook_name", cfg.Name,
		"url", cfg.URL,
		"delivery", delivery,
		"error", err)
}

// post performs a single HTTP request.
func (w *WebhookSender) post(cfg WebhookConfig, evt Event, delivery string, body []byte) error {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx := w.ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "athena-dhcp6d/1.0")
	req.Header.Set("X-Athena-Event", string(evt.Type))
	req.Header.Set("X-Athena-Delivery", delivery)
	if link := evt.LinkName(); link != "" {
		req.Header.Set("X-Athena-Link", link)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set("X-Athena-Signature", "sha256="+computeHMAC(body, cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// computeHMAC computes the hex HMAC-SHA256 of the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Wait blocks until all pending deliveries complete.
func (w *WebhookSender) Wait() {
	w.wg.Wait()
}

// Close abandons pending retries and waits for in-flight requests.
func (w *WebhookSender) Close() {
	w.cancel()
	w.wg.Wait()
	w.client.CloseIdleConnections()
}

// summaryLines renders the fields shared by the chat templates.
func summaryLines(evt Event) [][2]string {
	b := evt.Binding
	if b == nil {
		if evt.Link == "" {
			return nil
		}
		return [][2]string{{"Link", evt.Link}}
	}
	lines := [][2]string{
		{"Prefix", b.Prefix.String()},
		{"DUID", b.DUID},
		{"IA", fmt.Sprintf("%s/%d", b.IAType, b.IAID)},
		{"Link", b.Link},
	}
	if b.FQDN != "" {
		lines = append(lines, [2]string{"FQDN", b.FQDN})
	}
	if b.InterfaceID != "" {
		lines = append(lines, [2]string{"Relay interface", b.InterfaceID})
	}
	return lines
}

// buildSlackPayload creates a Slack-formatted webhook payload.
func buildSlackPayload(evt Event) ([]byte, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*", evt.Type)
	for _, l := range summaryLines(evt) {
		fmt.Fprintf(&sb, "\n%s: `%s`", l[0], l[1])
	}
	if evt.Reason != "" {
		fmt.Fprintf(&sb, "\nReason: %s", evt.Reason)
	}
	return json.Marshal(map[string]string{"text": sb.String()})
}

// teamsColor highlights events that need attention.
func teamsColor(t EventType) string {
	switch t {
	case EventLinkAnomaly:
		return "D83B01"
	case EventBindingDecline:
		return "FFB900"
	default:
		return "0076D7"
	}
}

// buildTeamsPayload creates a Microsoft Teams MessageCard payload.
func buildTeamsPayload(evt Event) ([]byte, error) {
	facts := make([]map[string]string, 0, 6)
	for _, l := range summaryLines(evt) {
		facts = append(facts, map[string]string{"name": l[0], "value": l[1]})
	}
	if evt.Reason != "" {
		facts = append(facts, map[string]string{"name": "Reason", "value": evt.Reason})
	}

	return json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    string(evt.Type),
		"themeColor": teamsColor(evt.Type),
		"title":      "athena-dhcp6d: " + string(evt.Type),
		"sections": []map[string]any{{
			"activitySubtitle": evt.Timestamp.UTC().Format(time.RFC3339),
			"facts":            facts,
		}},
	})
}
