package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/port"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var subTracer = otel.Tracer("service/subscriptions")

// SubscriptionConfig holds subscription settings.
type SubscriptionConfig struct {
	SiteURL    string
	CurrencyID string
	LockTTL    time.Duration
}

// SubscriptionService implements the subscription lifecycle.
type SubscriptionService struct {
	subs       port.SubscriptionStore
	billing    port.BillingStore
	gateway    port.PaymentGateway
	reconciler *Reconciler
	locker     port.Locker
	notifier   port.Notifier
	cfg        SubscriptionConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(
	subs port.SubscriptionStore,
	billing port.BillingStore,
	gateway port.PaymentGateway,
	reconciler *Reconciler,
	locker port.Locker,
	notifier port.Notifier,
	cfg SubscriptionConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SubscriptionService {
	if cfg.CurrencyID == "" {
		cfg.CurrencyID = "MXN"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &SubscriptionService{
		subs:       subs,
		billing:    billing,
		gateway:    gateway,
		reconciler: reconciler,
		locker:     locker,
		notifier:   notifier,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// ExternalReferencePrefix marks external references that belong to subscriptions.
const ExternalReferencePrefix = "SUB-"

// IsSubscriptionReference reports whether ref was issued for a subscription.
func IsSubscriptionReference(ref string) bool {
	return strings.HasPrefix(ref, ExternalReferencePrefix)
}

// ============================================================
// Create / activate
// ============================================================

// Create inserts a pending subscription and opens a MercadoPago
// preapproval for it. The returned row carries the checkout init_point.
func (s *SubscriptionService) Create(ctx context.Context, caller domain.Caller, req *domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.Create")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("subscription_create", time.Since(start)) }()

	frequency, frequencyType, ok := req.SubscriptionType.Frequency()
	if !ok {
		return nil, &domain.ErrValidation{Field: "subscription_type", Message: fmt.Sprintf("unknown type '%s'", req.SubscriptionType)}
	}
	if req.ProductID <= 0 {
		return nil, &domain.ErrValidation{Field: "product_id", Message: "required"}
	}
	if req.BasePrice <= 0 {
		return nil, &domain.ErrValidation{Field: "base_price", Message: "must be greater than zero"}
	}
	if req.DiscountPercentage < 0 || req.DiscountPercentage >= 100 {
		return nil, &domain.ErrValidation{Field: "discount_percentage", Message: "must be between 0 and 100"}
	}
	email := req.CustomerEmail
	if email == "" {
		email = caller.Email
	}
	if email == "" {
		return nil, &domain.ErrValidation{Field: "customer_email", Message: "required"}
	}

	amount := roundCents(req.BasePrice * (1 - req.DiscountPercentage/100))
	ref := ExternalReferencePrefix + uuid.NewString()
	span.SetAttributes(attribute.String("subscription.external_reference", ref))

	sub, err := s.subs.CreateSubscription(ctx, &domain.Subscription{
		UserID:             caller.UserID,
		ProductID:          req.ProductID,
		ProductName:        req.ProductName,
		SubscriptionType:   req.SubscriptionType,
		Status:             domain.SubscriptionPending,
		ExternalReference:  ref,
		TransactionAmount:  amount,
		DiscountPercentage: req.DiscountPercentage,
		Frequency:          frequency,
		FrequencyType:      frequencyType,
		CurrencyID:         s.cfg.CurrencyID,
		CustomerEmail:      email,
		CustomerName:       req.CustomerName,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	pre, err := s.gateway.CreatePreapproval(ctx, &domain.PreapprovalRequest{
		Reason:            fmt.Sprintf("Pet Gourmet - %s (%s)", req.ProductName, req.SubscriptionType),
		ExternalReference: ref,
		PayerEmail:        email,
		BackURL:           s.cfg.SiteURL + "/suscripcion/exito?external_reference=" + url.QueryEscape(ref),
		Status:            domain.PreapprovalPending,
		AutoRecurring: domain.AutoRecurring{
			Frequency:         frequency,
			FrequencyType:     frequencyType,
			TransactionAmount: amount,
			CurrencyID:        s.cfg.CurrencyID,
		},
	})
	if err != nil {
		s.logger.Error("preapproval creation failed",
			zap.Int64("subscription_id", sub.ID),
			zap.String("external_reference", ref),
			zap.Error(err),
		)
		s.abandon(ctx, sub)
		return nil, fmt.Errorf("create preapproval: %w", err)
	}

	patch := domain.SubscriptionPatch{
		MercadoPagoSubscriptionID: &pre.ID,
		InitPoint:                 &pre.InitPoint,
	}
	if pre.NextPaymentDate != nil {
		patch.NextBillingDate = pre.NextPaymentDate
	}
	updated, err := s.subs.UpdateSubscription(ctx, sub.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("store preapproval id: %w", err)
	}

	s.logger.Info("subscription created",
		zap.Int64("subscription_id", updated.ID),
		zap.String("external_reference", ref),
		zap.String("preapproval_id", pre.ID),
	)
	return updated, nil
}

// abandon cancels a pending row whose preapproval could not be created.
func (s *SubscriptionService) abandon(ctx context.Context, sub *domain.Subscription) {
	cancelled := domain.SubscriptionCancelled
	now := s.now().UTC()
	if _, _, err := s.subs.TransitionSubscription(ctx, sub.ID, domain.SubscriptionPending, domain.SubscriptionPatch{
		Status:      &cancelled,
		CancelledAt: &now,
	}); err != nil {
		s.logger.Warn("could not cancel orphan subscription", zap.Int64("subscription_id", sub.ID), zap.Error(err))
	}
}

// Activate is called after checkout returns. It reconciles the row behind
// external_reference with MercadoPago under a per-reference lock, so
// concurrent calls from the success page and the webhook do not race.
func (s *SubscriptionService) Activate(ctx context.Context, caller domain.Caller, req *domain.ActivateSubscriptionRequest) (*domain.ReconcileResult, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.Activate")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.external_reference", req.ExternalReference))

	if req.ExternalReference == "" && req.PreapprovalID == "" {
		return nil, &domain.ErrValidation{Field: "external_reference", Message: "external_reference or preapproval_id required"}
	}
	lockKey := "subscription:activate:" + req.ExternalReference
	if req.ExternalReference == "" {
		lockKey = "subscription:activate:" + req.PreapprovalID
	}

	release, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.Info("activation already in progress", zap.String("lock_key", lockKey))
		}
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("activation lock release failed", zap.String("lock_key", lockKey), zap.Error(err))
		}
	}()

	sub, err := s.findForActivation(ctx, req)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(sub.UserID) {
		return nil, &domain.ErrForbidden{Action: "activate subscription"}
	}

	var res *domain.ReconcileResult
	if req.PreapprovalID != "" && sub.MercadoPagoSubscriptionID != req.PreapprovalID {
		pre, err := s.gateway.GetPreapproval(ctx, req.PreapprovalID)
		if err != nil {
			return nil, fmt.Errorf("fetch preapproval: %w", err)
		}
		if pre.ExternalReference != "" && req.ExternalReference != "" && pre.ExternalReference != req.ExternalReference {
			return nil, &domain.ErrValidation{Field: "preapproval_id", Message: "belongs to another external_reference"}
		}
		res, err = s.reconciler.ReconcileWith(ctx, sub, pre)
		if err != nil {
			return nil, err
		}
	} else {
		res, err = s.reconciler.Reconcile(ctx, sub)
		if err != nil {
			return nil, err
		}
	}

	s.AfterReconcile(ctx, res)
	return res, nil
}

func (s *SubscriptionService) findForActivation(ctx context.Context, req *domain.ActivateSubscriptionRequest) (*domain.Subscription, error) {
	var notFound *domain.ErrNotFound
	if req.ExternalReference != "" {
		sub, err := s.subs.GetSubscriptionByExternalReference(ctx, req.ExternalReference)
		if err == nil {
			return sub, nil
		}
		if !errors.As(err, &notFound) || req.PreapprovalID == "" {
			return nil, err
		}
	}
	return s.subs.GetSubscriptionByPreapprovalID(ctx, req.PreapprovalID)
}

// AfterReconcile sends the emails implied by a reconcile result.
func (s *SubscriptionService) AfterReconcile(ctx context.Context, res *domain.ReconcileResult) {
	if res == nil || res.Action != domain.ReconcileUpdated || res.Subscription == nil {
		return
	}
	switch res.To {
	case domain.SubscriptionActive:
		if res.From == domain.SubscriptionPending {
			s.notify("subscription_activated", res.Subscription.ID, func() error {
				return s.notifier.SubscriptionActivated(ctx, res.Subscription)
			})
		}
	case domain.SubscriptionCancelled:
		s.notify("subscription_cancelled", res.Subscription.ID, func() error {
			return s.notifier.SubscriptionCancelled(ctx, res.Subscription)
		})
	}
}

// notify runs send and logs failures. Email never fails the caller.
func (s *SubscriptionService) notify(kind string, subscriptionID int64, send func() error) {
	if err := send(); err != nil {
		s.logger.Warn("notification failed",
			zap.String("kind", kind),
			zap.Int64("subscription_id", subscriptionID),
			zap.Error(err),
		)
	}
}

// ============================================================
// Pause / resume / cancel
// ============================================================

func (s *SubscriptionService) Pause(ctx context.Context, caller domain.Caller, id int64) (*domain.Subscription, error) {
	return s.change(ctx, caller, id, domain.SubscriptionPaused)
}

func (s *SubscriptionService) Resume(ctx context.Context, caller domain.Caller, id int64) (*domain.Subscription, error) {
	return s.change(ctx, caller, id, domain.SubscriptionActive)
}

func (s *SubscriptionService) Cancel(ctx context.Context, caller domain.Caller, id int64) (*domain.Subscription, error) {
	return s.change(ctx, caller, id, domain.SubscriptionCancelled)
}

// change drives a user-requested transition: MercadoPago first, then the
// local row guarded by its current status.
func (s *SubscriptionService) change(ctx context.Context, caller domain.Caller, id int64, target domain.SubscriptionStatus) (*domain.Subscription, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.Change")
	defer span.End()
	span.SetAttributes(attribute.Int64("subscription.id", id), attribute.String("subscription.target", string(target)))

	sub, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == target {
		return sub, nil
	}
	if !sub.Status.CanTransitionTo(target) {
		return nil, &domain.ErrInvalidTransition{From: sub.Status, To: target}
	}
	if target == domain.SubscriptionActive && sub.Status != domain.SubscriptionPaused {
		// Only a pause can be resumed by the customer; suspended rows recover with a payment.
		return nil, &domain.ErrInvalidTransition{From: sub.Status, To: target}
	}

	if sub.MercadoPagoSubscriptionID != "" {
		mpStatus, _ := domain.PreapprovalStatusFor(target)
		if _, err := s.gateway.UpdatePreapprovalStatus(ctx, sub.MercadoPagoSubscriptionID, mpStatus); err != nil {
			return nil, fmt.Errorf("update preapproval: %w", err)
		}
	}

	now := s.now().UTC()
	patch := domain.SubscriptionPatch{Status: &target, LastSyncAt: &now}
	if target == domain.SubscriptionCancelled {
		patch.CancelledAt = &now
	}
	updated, applied, err := s.subs.TransitionSubscription(ctx, sub.ID, sub.Status, patch)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("subscription %d changed while updating, retry", sub.ID)}
	}

	s.metrics.IncrTransition(sub.Status, target)
	s.logger.Info("subscription status changed",
		zap.Int64("subscription_id", sub.ID),
		zap.String("from", string(sub.Status)),
		zap.String("to", string(target)),
		zap.String("user_id", caller.UserID),
	)

	if target == domain.SubscriptionCancelled {
		s.notify("subscription_cancelled", updated.ID, func() error {
			return s.notifier.SubscriptionCancelled(ctx, updated)
		})
	}
	return updated, nil
}

// ============================================================
// Queries
// ============================================================

func (s *SubscriptionService) Get(ctx context.Context, caller domain.Caller, id int64) (*domain.Subscription, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.Get")
	defer span.End()

	sub, err := s.subs.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(sub.UserID) {
		// Do not reveal other customers' subscriptions.
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: fmt.Sprint(id)}
	}
	return sub, nil
}

func (s *SubscriptionService) ListForUser(ctx context.Context, caller domain.Caller) ([]domain.Subscription, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.ListForUser")
	defer span.End()

	return s.subs.ListSubscriptionsByUser(ctx, caller.UserID)
}

// List is the admin listing filtered by status.
func (s *SubscriptionService) List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.List")
	defer span.End()

	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, &domain.ErrValidation{Field: "status", Message: fmt.Sprintf("unknown status '%s'", st)}
		}
	}
	return s.subs.ListSubscriptions(ctx, filter)
}

func (s *SubscriptionService) BillingHistory(ctx context.Context, caller domain.Caller, id int64) ([]domain.BillingRecord, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.BillingHistory")
	defer span.End()

	sub, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.billing.ListBillingHistory(ctx, sub.ID)
}

// Sync reconciles one subscription on demand.
func (s *SubscriptionService) Sync(ctx context.Context, caller domain.Caller, id int64) (*domain.ReconcileResult, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.Sync")
	defer span.End()

	sub, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	res, err := s.reconciler.Reconcile(ctx, sub)
	if err != nil {
		return nil, err
	}
	s.AfterReconcile(ctx, res)
	return res, nil
}

// SyncAll is the admin bulk sync.
func (s *SubscriptionService) SyncAll(ctx context.Context, filter domain.SubscriptionFilter) (*domain.SyncReport, error) {
	return s.reconciler.SyncAll(ctx, filter)
}

// ============================================================
// Recurring charges
// ============================================================

// RecordCharge applies a recurring charge to its subscription. It returns
// the webhook outcome: processed, or ignored when nothing local matches.
func (s *SubscriptionService) RecordCharge(ctx context.Context, charge domain.SubscriptionCharge) (string, string, error) {
	ctx, span := subTracer.Start(ctx, "SubscriptionService.RecordCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", charge.PaymentID),
		attribute.String("payment.status", charge.Status),
	)

	sub, err := s.Locate(ctx, charge.PreapprovalID, charge.ExternalReference)
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			s.logger.Warn("charge for unknown subscription",
				zap.String("payment_id", charge.PaymentID),
				zap.String("preapproval_id", charge.PreapprovalID),
				zap.String("external_reference", charge.ExternalReference),
			)
			return domain.WebhookIgnored, "no local subscription", nil
		}
		return "", "", err
	}

	log := s.logger.With(
		zap.Int64("subscription_id", sub.ID),
		zap.String("payment_id", charge.PaymentID),
	)

	switch strings.ToLower(charge.Status) {
	case "approved", "authorized":
		return s.applyApprovedCharge(ctx, sub, charge, log)
	case "rejected", "cancelled":
		return s.applyFailedCharge(ctx, sub, charge, log)
	default:
		return domain.WebhookIgnored, "payment status " + charge.Status, nil
	}
}

// Locate finds the local row for a preapproval, by id first and then by
// external_reference.
func (s *SubscriptionService) Locate(ctx context.Context, preapprovalID, externalReference string) (*domain.Subscription, error) {
	var notFound *domain.ErrNotFound
	if preapprovalID != "" {
		sub, err := s.subs.GetSubscriptionByPreapprovalID(ctx, preapprovalID)
		if err == nil {
			return sub, nil
		}
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	if externalReference != "" {
		return s.subs.GetSubscriptionByExternalReference(ctx, externalReference)
	}
	return nil, &domain.ErrNotFound{Resource: "subscription", ID: preapprovalID}
}

func (s *SubscriptionService) record(ctx context.Context, sub *domain.Subscription, charge domain.SubscriptionCharge, status string) (bool, error) {
	currency := charge.CurrencyID
	if currency == "" {
		currency = sub.CurrencyID
	}
	_, err := s.billing.RecordBilling(ctx, &domain.BillingRecord{
		SubscriptionID:       sub.ID,
		UserID:               sub.UserID,
		MercadoPagoPaymentID: charge.PaymentID,
		Amount:               charge.Amount,
		CurrencyID:           currency,
		Status:               status,
		BillingDate:          charge.Date,
	})
	if err != nil {
		var dup *domain.ErrDuplicate
		if errors.As(err, &dup) {
			return false, nil
		}
		return false, fmt.Errorf("record billing: %w", err)
	}
	return true, nil
}

// chargeState reports whether the billing row for paymentID exists and
// whether the subscription row already carries the charge. The row is
// written before billing_history, so a redelivery after a partial failure
// finishes the billing insert without applying the charge twice.
func (s *SubscriptionService) chargeState(ctx context.Context, sub *domain.Subscription, paymentID string) (billed, applied bool, err error) {
	history, err := s.billing.ListBillingHistory(ctx, sub.ID)
	if err != nil {
		return false, false, fmt.Errorf("list billing history: %w", err)
	}
	billed = lo.ContainsBy(history, func(r domain.BillingRecord) bool {
		return r.MercadoPagoPaymentID == paymentID
	})
	return billed, sub.LastPaymentID == paymentID, nil
}

func (s *SubscriptionService) applyApprovedCharge(ctx context.Context, sub *domain.Subscription, charge domain.SubscriptionCharge, log *zap.Logger) (string, string, error) {
	billed, applied, err := s.chargeState(ctx, sub, charge.PaymentID)
	if err != nil {
		return "", "", err
	}
	if billed {
		log.Info("charge already recorded")
		return domain.WebhookProcessed, "charge already recorded", nil
	}
	if applied {
		if _, err := s.record(ctx, sub, charge, "approved"); err != nil {
			return "", "", err
		}
		log.Info("billing row completed for applied charge")
		return domain.WebhookProcessed, "charge recorded", nil
	}

	paymentID := charge.PaymentID
	charged := sub.ChargesMade + 1
	billedAt := charge.Date
	next := domain.NextBillingDate(billedAt, sub.Frequency, sub.FrequencyType)
	patch := domain.SubscriptionPatch{
		LastBillingDate: &billedAt,
		NextBillingDate: &next,
		ChargesMade:     &charged,
		LastPaymentID:   &paymentID,
	}

	detail := "charge recorded"
	transitioned := false
	if sub.Status == domain.SubscriptionSuspended || sub.Status == domain.SubscriptionPending {
		active := domain.SubscriptionActive
		patch.Status = &active
		updated, ok, err := s.subs.TransitionSubscription(ctx, sub.ID, sub.Status, patch)
		if err != nil {
			return "", "", err
		}
		if ok {
			transitioned = true
			detail = "charge recorded, subscription active"
			s.metrics.IncrTransition(sub.Status, active)
			log.Info("subscription reactivated by payment", zap.String("from", string(sub.Status)))
			if sub.Status == domain.SubscriptionPending {
				s.notify("subscription_activated", updated.ID, func() error {
					return s.notifier.SubscriptionActivated(ctx, updated)
				})
			}
		} else {
			// Status moved under us; still keep the billing counters.
			patch.Status = nil
		}
	}
	if !transitioned {
		if _, err := s.subs.UpdateSubscription(ctx, sub.ID, patch); err != nil {
			return "", "", err
		}
	}

	if _, err := s.record(ctx, sub, charge, "approved"); err != nil {
		return "", "", err
	}
	log.Info("charge recorded", zap.Int("charges_made", charged))
	return domain.WebhookProcessed, detail, nil
}

func (s *SubscriptionService) applyFailedCharge(ctx context.Context, sub *domain.Subscription, charge domain.SubscriptionCharge, log *zap.Logger) (string, string, error) {
	billed, applied, err := s.chargeState(ctx, sub, charge.PaymentID)
	if err != nil {
		return "", "", err
	}
	if billed {
		return domain.WebhookProcessed, "charge already recorded", nil
	}

	detail := "failed charge recorded"
	if sub.Status == domain.SubscriptionActive && !applied {
		suspended := domain.SubscriptionSuspended
		paymentID := charge.PaymentID
		updated, ok, err := s.subs.TransitionSubscription(ctx, sub.ID, sub.Status, domain.SubscriptionPatch{
			Status:        &suspended,
			LastPaymentID: &paymentID,
		})
		if err != nil {
			return "", "", err
		}
		if ok {
			detail = "subscription suspended"
			s.metrics.IncrTransition(sub.Status, suspended)
			log.Warn("subscription suspended after failed charge")
			s.notify("payment_failed", updated.ID, func() error {
				return s.notifier.PaymentFailed(ctx, updated, charge.PaymentID)
			})
		} else {
			detail = "failed charge recorded, status changed concurrently"
		}
	}

	if _, err := s.record(ctx, sub, charge, "rejected"); err != nil {
		return "", "", err
	}
	return domain.WebhookProcessed, detail, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
