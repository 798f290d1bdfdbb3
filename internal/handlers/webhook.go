package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// TaskWebhook is the task name served by WebhookHandler.
const TaskWebhook = "tasks.webhook"

// webhookKwargs are read from the message kwargs.
type webhookKwargs struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// WebhookHandler makes an outbound HTTP call and returns the status code.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *WebhookHandler) TaskName() string { return TaskWebhook }

func (h *WebhookHandler) Handle(ctx context.Context, m *domain.TaskMessage) (any, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.webhook")
	defer span.End()

	fail := func(err error, status string) (any, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		return nil, err
	}

	var kw webhookKwargs
	if err := bindKwargs(m, &kw); err != nil {
		return fail(err, "invalid kwargs")
	}
	if kw.URL == "" {
		return fail(errors.New("webhook kwargs missing required field 'url'"), "missing 'url' kwarg")
	}
	if kw.Method == "" {
		kw.Method = http.MethodPost
	}
	span.SetAttributes(
		attribute.String("webhook.url", kw.URL),
		attribute.String("webhook.method", kw.Method),
		attribute.String("task.id", m.ID),
	)

	var body io.Reader
	if kw.Body != "" {
		body = strings.NewReader(kw.Body)
	}
	req, err := http.NewRequestWithContext(ctx, kw.Method, kw.URL, body)
	if err != nil {
		return fail(fmt.Errorf("build webhook request: %w", err), "build request failed")
	}
	for k, v := range kw.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Task-Id", m.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("webhook call to %s: %w", kw.URL, err), "http call failed")
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		return fail(fmt.Errorf("webhook %s returned status %d", kw.URL, resp.StatusCode), "bad status code")
	}
	return int64(resp.StatusCode), nil
}
