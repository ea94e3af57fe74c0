package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/client"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var webhookTracer = otel.Tracer("service/webhooks")

// staleClaim is how long a delivery may sit in processing before a
// redelivery is allowed to take it over.
const staleClaim = 10 * time.Minute

// WebhookService processes MercadoPago notifications exactly once per
// event key, using webhook_logs as the delivery ledger.
type WebhookService struct {
	logs          port.WebhookLogStore
	gateway       port.PaymentGateway
	orders        *OrderService
	subscriptions *SubscriptionService
	reconciler    *Reconciler
	secret        string
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewWebhookService creates a WebhookService. An empty secret disables
// signature verification.
func NewWebhookService(
	logs port.WebhookLogStore,
	gateway port.PaymentGateway,
	orders *OrderService,
	subscriptions *SubscriptionService,
	reconciler *Reconciler,
	secret string,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *WebhookService {
	return &WebhookService{
		logs:          logs,
		gateway:       gateway,
		orders:        orders,
		subscriptions: subscriptions,
		reconciler:    reconciler,
		secret:        secret,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// VerifySignature checks the x-signature header of a delivery.
func (s *WebhookService) VerifySignature(xSignature, xRequestID, dataID string) error {
	if err := client.VerifySignature(s.secret, xSignature, xRequestID, dataID); err != nil {
		s.metrics.IncrWebhook("unknown", "invalid_signature")
		return err
	}
	return nil
}

// Handle claims, dispatches and settles one notification. A returned error
// means the delivery failed and MercadoPago should retry it.
func (s *WebhookService) Handle(ctx context.Context, n *domain.WebhookNotification, payload []byte) (*domain.WebhookResult, error) {
	ctx, span := webhookTracer.Start(ctx, "WebhookService.Handle")
	defer span.End()

	n.Normalize()
	if n.Type == "" || n.Data.ID == "" {
		return nil, &domain.ErrValidation{Field: "data.id", Message: "notification type and data.id are required"}
	}

	key := n.EventKey()
	span.SetAttributes(
		attribute.String("webhook.event_key", key),
		attribute.String("webhook.type", n.Type),
		attribute.String("webhook.data_id", n.Data.ID.String()),
	)
	log := s.logger.With(
		zap.String("event_key", key),
		zap.String("webhook_type", n.Type),
		zap.String("data_id", n.Data.ID.String()),
	)

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("webhook", time.Since(start)) }()

	claimed, err := s.claim(ctx, n, key, payload)
	if err != nil {
		s.metrics.IncrWebhook(n.Type, domain.WebhookFailed)
		return nil, fmt.Errorf("claim webhook: %w", err)
	}
	if !claimed {
		log.Info("duplicate webhook delivery")
		s.metrics.IncrWebhook(n.Type, domain.WebhookDuplicate)
		return &domain.WebhookResult{EventKey: key, Outcome: domain.WebhookDuplicate}, nil
	}

	outcome, detail, err := s.dispatch(ctx, n)
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		s.settle(ctx, key, domain.WebhookFailed, err.Error())
		s.metrics.IncrWebhook(n.Type, domain.WebhookFailed)
		return &domain.WebhookResult{EventKey: key, Outcome: domain.WebhookFailed, Detail: err.Error()}, err
	}

	s.settle(ctx, key, outcome, detail)
	s.metrics.IncrWebhook(n.Type, outcome)
	log.Info("webhook processed", zap.String("outcome", outcome), zap.String("detail", detail))
	return &domain.WebhookResult{EventKey: key, Outcome: outcome, Detail: detail}, nil
}

// claim records the delivery as processing. It returns false when the
// event was already handled or is being handled by another request.
func (s *WebhookService) claim(ctx context.Context, n *domain.WebhookNotification, key string, payload []byte) (bool, error) {
	existing, err := s.logs.GetWebhookLog(ctx, key)
	if err == nil {
		return s.reclaim(ctx, existing)
	}
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		return false, err
	}

	claimID := uuid.NewString()
	_, err = s.logs.InsertWebhookLog(ctx, &domain.WebhookLog{
		EventKey:    key,
		WebhookType: n.Type,
		Action:      n.Action,
		DataID:      n.Data.ID.String(),
		Status:      domain.WebhookProcessing,
		Attempts:    1,
		ClaimID:     claimID,
		Payload:     payload,
	})
	if err != nil {
		var dup *domain.ErrDuplicate
		if !errors.As(err, &dup) {
			return false, err
		}
		// A retried insert can conflict with its own first attempt.
		existing, getErr := s.logs.GetWebhookLog(ctx, key)
		if getErr != nil {
			return false, getErr
		}
		return existing.ClaimID == claimID, nil
	}
	return true, nil
}

func (s *WebhookService) reclaim(ctx context.Context, existing *domain.WebhookLog) (bool, error) {
	switch existing.Status {
	case domain.WebhookFailed:
		// retry
	case domain.WebhookProcessing:
		if s.now().Sub(existing.CreatedAt) < staleClaim {
			return false, nil
		}
	default:
		return false, nil
	}
	err := s.logs.UpdateWebhookLog(ctx, existing.EventKey, map[string]any{
		"status":        domain.WebhookProcessing,
		"attempts":      existing.Attempts + 1,
		"claim_id":      uuid.NewString(),
		"error_message": nil,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// settle records the final state of a claimed delivery. Failures to write
// the ledger are logged; the work itself is already done.
func (s *WebhookService) settle(ctx context.Context, key, outcome, detail string) {
	fields := map[string]any{
		"status":       outcome,
		"processed_at": s.now().UTC().Format(time.RFC3339),
	}
	if outcome == domain.WebhookFailed {
		fields["error_message"] = detail
		delete(fields, "processed_at")
	}
	if err := s.logs.UpdateWebhookLog(context.WithoutCancel(ctx), key, fields); err != nil {
		s.logger.Error("webhook log update failed", zap.String("event_key", key), zap.Error(err))
	}
}

// ============================================================
// dispatch
// ============================================================

func (s *WebhookService) dispatch(ctx context.Context, n *domain.WebhookNotification) (string, string, error) {
	switch n.Type {
	case domain.WebhookTypePayment:
		return s.handlePayment(ctx, n.Data.ID.String())
	case domain.WebhookTypePreapproval:
		return s.handlePreapproval(ctx, n.Data.ID.String())
	case domain.WebhookTypeAuthorizedPayment:
		return s.handleAuthorizedPayment(ctx, n.Data.ID.String())
	default:
		return domain.WebhookIgnored, "unhandled type " + n.Type, nil
	}
}

func (s *WebhookService) handlePayment(ctx context.Context, paymentID string) (string, string, error) {
	payment, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return "", "", fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}

	if IsSubscriptionReference(payment.ExternalReference) || payment.PreapprovalID() != "" {
		date := s.now().UTC()
		switch {
		case payment.DateApproved != nil:
			date = *payment.DateApproved
		case payment.DateCreated != nil:
			date = *payment.DateCreated
		}
		return s.subscriptions.RecordCharge(ctx, domain.SubscriptionCharge{
			PaymentID:         payment.ID.String(),
			PreapprovalID:     payment.PreapprovalID(),
			ExternalReference: payment.ExternalReference,
			Status:            payment.Status,
			Amount:            payment.TransactionAmount,
			CurrencyID:        payment.CurrencyID,
			Date:              date,
		})
	}
	if payment.ExternalReference == "" {
		return domain.WebhookIgnored, "payment without external_reference", nil
	}
	return s.orders.ApplyPayment(ctx, payment)
}

func (s *WebhookService) handlePreapproval(ctx context.Context, preapprovalID string) (string, string, error) {
	pre, err := s.gateway.GetPreapproval(ctx, preapprovalID)
	if err != nil {
		return "", "", fmt.Errorf("fetch preapproval %s: %w", preapprovalID, err)
	}

	sub, err := s.subscriptions.Locate(ctx, pre.ID, pre.ExternalReference)
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			s.logger.Warn("preapproval without local subscription",
				zap.String("preapproval_id", pre.ID),
				zap.String("external_reference", pre.ExternalReference),
			)
			return domain.WebhookIgnored, "no local subscription", nil
		}
		return "", "", err
	}

	res, err := s.reconciler.ReconcileWith(ctx, sub, pre)
	if err != nil {
		return "", "", err
	}
	s.subscriptions.AfterReconcile(ctx, res)
	return domain.WebhookProcessed, fmt.Sprintf("reconcile %s (%s -> %s)", res.Action, res.From, res.To), nil
}

func (s *WebhookService) handleAuthorizedPayment(ctx context.Context, id string) (string, string, error) {
	ap, err := s.gateway.GetAuthorizedPayment(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("fetch authorized payment %s: %w", id, err)
	}
	if ap.Payment.ID == "" || ap.Payment.Status == "" {
		return domain.WebhookIgnored, "authorized payment " + ap.Status + " not charged yet", nil
	}

	date := s.now().UTC()
	if ap.DebitDate != nil {
		date = *ap.DebitDate
	}
	return s.subscriptions.RecordCharge(ctx, domain.SubscriptionCharge{
		PaymentID:         ap.Payment.ID.String(),
		PreapprovalID:     ap.PreapprovalID,
		ExternalReference: ap.ExternalReference,
		Status:            ap.Payment.Status,
		Amount:            ap.TransactionAmount,
		CurrencyID:        ap.CurrencyID,
		Date:              date,
	})
}

// ============================================================
// admin
// ============================================================

// ListLogs returns webhook_logs rows, newest first.
func (s *WebhookService) ListLogs(ctx context.Context, status string, limit, offset int) ([]domain.WebhookLog, error) {
	ctx, span := webhookTracer.Start(ctx, "WebhookService.ListLogs")
	defer span.End()

	return s.logs.ListWebhookLogs(ctx, status, limit, offset)
}
