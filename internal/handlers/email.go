package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// TaskEmail is the task name served by EmailHandler.
const TaskEmail = "tasks.email"

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type emailKwargs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailHandler sends an email via SMTP.
type EmailHandler struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailHandler creates an EmailHandler from config.
func NewEmailHandler(cfg EmailConfig) *EmailHandler {
	return &EmailHandler{cfg: cfg, send: smtp.SendMail}
}

func (h *EmailHandler) TaskName() string { return TaskEmail }

func (h *EmailHandler) Handle(ctx context.Context, m *domain.TaskMessage) (any, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.email")
	defer span.End()

	var kw emailKwargs
	if err := bindKwargs(m, &kw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid kwargs")
		return nil, err
	}
	if kw.To == "" {
		err := errors.New("email kwargs missing required field 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' kwarg")
		return nil, err
	}
	span.SetAttributes(attribute.String("email.to", kw.To))

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	msg := buildMIME(h.cfg.From, kw.To, kw.Subject, kw.Body)

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// SendMail takes no context, so race it against ctx.
	done := make(chan error, 1)
	go func() { done <- h.send(addr, auth, h.cfg.From, []string{kw.To}, msg) }()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return nil, fmt.Errorf("smtp send to %s: %w", kw.To, err)
		}
		return kw.To, nil
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return nil, err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	))
}
