// Package mailer sends the storefront's transactional emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	mail "gopkg.in/mail.v2"
)

var tracer = otel.Tracer("mailer")

// Email kinds, also used as the metrics label.
const (
	KindOrderConfirmed        = "order_confirmed"
	KindSubscriptionActivated = "subscription_activated"
	KindSubscriptionCancelled = "subscription_cancelled"
	KindPaymentFailed         = "payment_failed"
)

// Sender delivers composed messages. *mail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	SiteURL  string
}

// SMTPNotifier implements port.Notifier over SMTP.
type SMTPNotifier struct {
	sender    Sender
	from      string
	siteURL   string
	templates map[string]*template.Template
	subjects  map[string]string
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewSMTPNotifier creates a notifier dialing cfg.Host for every message.
func NewSMTPNotifier(cfg Config, metrics *observability.Metrics, logger *zap.Logger) *SMTPNotifier {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return NewNotifierWithSender(d, cfg, metrics, logger)
}

// NewNotifierWithSender creates a notifier on an arbitrary Sender.
func NewNotifierWithSender(sender Sender, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		sender:    sender,
		from:      cfg.From,
		siteURL:   cfg.SiteURL,
		templates: parseTemplates(),
		subjects:  subjects,
		metrics:   metrics,
		logger:    logger,
	}
}

func (n *SMTPNotifier) OrderConfirmed(ctx context.Context, order *domain.Order) error {
	return n.send(ctx, KindOrderConfirmed, order.CustomerEmail, map[string]any{
		"Order":   order,
		"SiteURL": n.siteURL,
	})
}

func (n *SMTPNotifier) SubscriptionActivated(ctx context.Context, sub *domain.Subscription) error {
	return n.send(ctx, KindSubscriptionActivated, sub.CustomerEmail, map[string]any{
		"Sub":     sub,
		"SiteURL": n.siteURL,
	})
}

func (n *SMTPNotifier) SubscriptionCancelled(ctx context.Context, sub *domain.Subscription) error {
	return n.send(ctx, KindSubscriptionCancelled, sub.CustomerEmail, map[string]any{
		"Sub":     sub,
		"SiteURL": n.siteURL,
	})
}

func (n *SMTPNotifier) PaymentFailed(ctx context.Context, sub *domain.Subscription, paymentID string) error {
	return n.send(ctx, KindPaymentFailed, sub.CustomerEmail, map[string]any{
		"Sub":       sub,
		"PaymentID": paymentID,
		"SiteURL":   n.siteURL,
	})
}

func (n *SMTPNotifier) send(ctx context.Context, kind, to string, data map[string]any) error {
	_, span := tracer.Start(ctx, "Mailer."+kind)
	defer span.End()

	if to == "" {
		n.metrics.IncrEmail(kind, "skipped")
		return &domain.ErrValidation{Field: "email", Message: "recipient is empty"}
	}

	var body bytes.Buffer
	if err := n.templates[kind].Execute(&body, data); err != nil {
		n.metrics.IncrEmail(kind, "error")
		return fmt.Errorf("render %s: %w", kind, err)
	}

	m := mail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", n.subjects[kind])
	m.SetBody("text/plain", body.String())

	if err := n.sender.DialAndSend(m); err != nil {
		n.metrics.IncrEmail(kind, "error")
		n.logger.Error("email send failed", zap.String("kind", kind), zap.String("to", to), zap.Error(err))
		return &domain.ErrExternalService{Service: "smtp", Err: err}
	}

	n.metrics.IncrEmail(kind, "sent")
	n.logger.Info("email sent", zap.String("kind", kind), zap.String("to", to))
	return nil
}

// LogNotifier is used when SMTP is not configured. It only logs.
type LogNotifier struct {
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(metrics *observability.Metrics, logger *zap.Logger) *LogNotifier {
	return &LogNotifier{metrics: metrics, logger: logger}
}

func (n *LogNotifier) OrderConfirmed(_ context.Context, order *domain.Order) error {
	n.log(KindOrderConfirmed, order.CustomerEmail, zap.Int64("order_id", order.ID))
	return nil
}

func (n *LogNotifier) SubscriptionActivated(_ context.Context, sub *domain.Subscription) error {
	n.log(KindSubscriptionActivated, sub.CustomerEmail, zap.Int64("subscription_id", sub.ID))
	return nil
}

func (n *LogNotifier) SubscriptionCancelled(_ context.Context, sub *domain.Subscription) error {
	n.log(KindSubscriptionCancelled, sub.CustomerEmail, zap.Int64("subscription_id", sub.ID))
	return nil
}

func (n *LogNotifier) PaymentFailed(_ context.Context, sub *domain.Subscription, paymentID string) error {
	n.log(KindPaymentFailed, sub.CustomerEmail, zap.Int64("subscription_id", sub.ID), zap.String("payment_id", paymentID))
	return nil
}

func (n *LogNotifier) log(kind, to string, fields ...zap.Field) {
	n.metrics.IncrEmail(kind, "logged")
	n.logger.Info("email not sent, smtp disabled",
		append([]zap.Field{zap.String("kind", kind), zap.String("to", to)}, fields...)...)
}
