package screen

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
)

// Alerter receives critical screening verdicts.
type Alerter interface {
	Alert(ctx context.Context, userID string, v Verdict)
}

const alertTimeout = 5 * time.Second

// WebhookAlerter posts critical verdicts to an operator webhook as JSON.
// Delivery is best effort; failures are logged and dropped.
type WebhookAlerter struct {
	url    string
	client *fasthttp.Client
	log    *slog.Logger
}

// NewWebhookAlerter builds an alerter for the given webhook URL.
func NewWebhookAlerter(url string, log *slog.Logger) *WebhookAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookAlerter{
		url:    url,
		client: &fasthttp.Client{ReadTimeout: alertTimeout, WriteTimeout: alertTimeout},
		log:    log,
	}
}

func (a *WebhookAlerter) Alert(ctx context.Context, userID string, v Verdict) {
	a.post(ctx, map[string]any{
		"event":      "critical_content",
		"user_id":    userID,
		"risk_level": v.RiskLevel,
		"categories": v.Categories,
		"max_score":  v.MaxScore,
		"at":         time.Now().UTC().Format(time.RFC3339),
	})
}

// SubProviderDisabled reports a credential pulled from rotation after a
// critical upstream error.
func (a *WebhookAlerter) SubProviderDisabled(ctx context.Context, id, errorType, message string) {
	a.post(ctx, map[string]any{
		"event":        "sub_provider_disabled",
		"sub_provider": id,
		"error_type":   errorType,
		"message":      message,
		"at":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *WebhookAlerter) post(ctx context.Context, body map[string]any) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	if err := a.client.DoTimeout(req, resp, alertTimeout); err != nil {
		a.log.ErrorContext(ctx, "alert webhook failed", "error", err)
		return
	}
	if resp.StatusCode() >= 300 {
		a.log.ErrorContext(ctx, "alert webhook rejected",
			"status", resp.StatusCode())
	}
}
