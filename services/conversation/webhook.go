package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
)

// WebhookExecutor is the "webhook" integration: it sends an HTTP request built from
// the node parameters and returns the decoded response body.
//
// Parameters: url (required), method (default POST), headers, query, body, and
// responsePath, a dotted path selecting part of the JSON response as the result.
type WebhookExecutor struct {
	client *resty.Client
}

// NewWebhookExecutor creates the executor with the given timeout and retry count.
func NewWebhookExecutor(timeout time.Duration, retries int) *WebhookExecutor {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &WebhookExecutor{client: client}
}

// NewIntegrationRegistry returns a registry with the built-in webhook integration.
func NewIntegrationRegistry(timeout time.Duration, retries int) *Registry {
	r := NewRegistry()
	r.Register("webhook", NewWebhookExecutor(timeout, retries))
	return r
}

// Execute implements Executor.
func (w *WebhookExecutor) Execute(ctx context.Context, inv Invocation) (any, error) {
	url, _ := inv.Parameters["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("webhook: parameter \"url\" is required")
	}
	method, _ := inv.Parameters["method"].(string)
	if method == "" {
		method = "POST"
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", inv.IdempotencyKey).
		SetHeaders(stringMap(inv.Parameters["headers"])).
		SetQueryParams(stringMap(inv.Parameters["query"]))
	if body, ok := inv.Parameters["body"]; ok && body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return nil, fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("webhook %s %s: unexpected status %s", method, url, resp.Status())
	}

	raw := resp.Body()
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not JSON: hand back the body as text.
		return string(raw), nil
	}

	path, _ := inv.Parameters["responsePath"].(string)
	if path == "" {
		return decoded, nil
	}
	container := gabs.Wrap(decoded)
	if !container.ExistsP(path) {
		return nil, fmt.Errorf("webhook: response has no value at %q", path)
	}
	return container.Path(path).Data(), nil
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, item := range m {
		out[k] = formatValue(item)
	}
	return out
}
