package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.uber.org/zap"
)

func notification(id, typ, dataID string) *domain.WebhookNotification {
	n := &domain.WebhookNotification{ID: domain.FlexID(id), Type: typ, Action: typ + ".updated"}
	n.Data.ID = domain.FlexID(dataID)
	return n
}

func pendingOrder(id int64) domain.Order {
	return domain.Order{ID: id, UserID: "user-1", Status: domain.OrderPending, PaymentStatus: domain.PaymentPending, CustomerEmail: "ana@example.com"}
}

func TestHandle_OrderPaymentApproved(t *testing.T) {
	h := newHarness(nil, newMemOrders(pendingOrder(10)))
	h.gateway.payments["p1"] = &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed || res.EventKey != "mp:n1" {
		t.Fatalf("unexpected result %+v", res)
	}

	order := h.orders.get(10)
	if order.PaymentStatus != domain.PaymentPaid || order.Status != domain.OrderProcessing {
		t.Errorf("expected paid/processing, got %s/%s", order.PaymentStatus, order.Status)
	}
	if order.MercadoPagoPaymentID != "p1" {
		t.Errorf("expected payment id stored, got %q", order.MercadoPagoPaymentID)
	}
	if log := h.logs.get("mp:n1"); log.Status != domain.WebhookProcessed {
		t.Errorf("expected processed log, got %s", log.Status)
	}
}

func TestHandle_DuplicateDeliveryIsSkipped(t *testing.T) {
	h := newHarness(nil, newMemOrders(pendingOrder(10)))
	h.gateway.payments["p1"] = &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"}

	for i := 0; i < 2; i++ {
		if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookDuplicate {
		t.Errorf("expected duplicate, got %s", res.Outcome)
	}
	if sent := h.notifier.sent(); len(sent) != 1 {
		t.Errorf("expected one confirmation email, got %v", sent)
	}
}

func TestHandle_LatePendingDoesNotDowngrade(t *testing.T) {
	h := newHarness(nil, newMemOrders(pendingOrder(10)))
	h.gateway.payments["p1"] = &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"}
	h.gateway.payments["p0"] = &domain.Payment{ID: "p0", Status: "pending", ExternalReference: "10"}

	if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil); err != nil {
		t.Fatalf("approved: %v", err)
	}
	res, err := h.webhooks.Handle(context.Background(), notification("n0", "payment", "p0"), nil)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed {
		t.Errorf("expected processed, got %s", res.Outcome)
	}
	if got := h.orders.get(10).PaymentStatus; got != domain.PaymentPaid {
		t.Errorf("order must stay paid, got %s", got)
	}
}

func TestHandle_FailedDeliveryIsRetried(t *testing.T) {
	h := newHarness(nil, newMemOrders(pendingOrder(10)))
	h.gateway.payments["p1"] = &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"}
	h.gateway.err = &domain.ErrExternalService{Service: "mercadopago", Err: errors.New("bad gateway")}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Outcome != domain.WebhookFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	log := h.logs.get("mp:n1")
	if log.Status != domain.WebhookFailed || log.ErrorMessage == "" {
		t.Errorf("expected failed log with message, got %+v", log)
	}

	h.gateway.mu.Lock()
	h.gateway.err = nil
	h.gateway.mu.Unlock()

	res, err = h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed {
		t.Errorf("expected processed on retry, got %s", res.Outcome)
	}
	if log := h.logs.get("mp:n1"); log.Attempts != 2 || log.Status != domain.WebhookProcessed {
		t.Errorf("expected 2 attempts and processed, got %+v", log)
	}
}

func TestHandle_OwnInsertConflictStillClaims(t *testing.T) {
	h := newHarness(nil, newMemOrders(pendingOrder(10)))
	h.gateway.payments["p1"] = &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"}
	h.logs.lostInsertAck = true

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed {
		t.Fatalf("expected processed, got %+v", res)
	}
	if got := h.orders.get(10).PaymentStatus; got != domain.PaymentPaid {
		t.Errorf("expected paid order, got %s", got)
	}
	if log := h.logs.get("mp:n1"); log.Status != domain.WebhookProcessed {
		t.Errorf("expected processed log, got %+v", log)
	}
}

func TestHandle_ForeignInsertConflictIsDuplicate(t *testing.T) {
	h := newHarness(nil, newMemOrders(pendingOrder(10)))
	h.gateway.payments["p1"] = &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"}
	// Another request inserted the row between our read and our insert.
	h.logs.rows["mp:n1"] = &domain.WebhookLog{EventKey: "mp:n1", Status: domain.WebhookProcessing, Attempts: 1, ClaimID: "other", CreatedAt: time.Now()}
	logs := &racingLogs{memLogs: h.logs}
	h.webhooks = service.NewWebhookService(logs, h.gateway, h.orderSvc, h.subSvc, h.reconciler, "", observability.NewMetrics(), zap.NewNop())

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookDuplicate {
		t.Errorf("expected duplicate, got %+v", res)
	}
	if got := h.orders.get(10).PaymentStatus; got != domain.PaymentPending {
		t.Errorf("order must be left to the other request, got %s", got)
	}
}

// racingLogs hides the existing row from the first read only.
type racingLogs struct {
	*memLogs
	read bool
}

func (r *racingLogs) GetWebhookLog(ctx context.Context, key string) (*domain.WebhookLog, error) {
	if !r.read {
		r.read = true
		return nil, &domain.ErrNotFound{Resource: "webhook_log", ID: key}
	}
	return r.memLogs.GetWebhookLog(ctx, key)
}

func TestHandle_InFlightDeliveryIsNotReclaimed(t *testing.T) {
	h := newHarness(nil, nil)
	h.logs.rows["mp:n1"] = &domain.WebhookLog{EventKey: "mp:n1", Status: domain.WebhookProcessing, Attempts: 1, CreatedAt: time.Now()}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookDuplicate {
		t.Errorf("expected duplicate while in flight, got %s", res.Outcome)
	}
}

func activeSub() domain.Subscription {
	sub := pendingSub(1)
	sub.Status = domain.SubscriptionActive
	sub.MercadoPagoSubscriptionID = "pre-1"
	return sub
}

func TestHandle_SubscriptionChargeRecordedOnce(t *testing.T) {
	h := newHarness(newMemSubs(activeSub()), nil)
	approved := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	h.gateway.payments["p1"] = &domain.Payment{
		ID: "p1", Status: "approved", ExternalReference: "SUB-ref-1", TransactionAmount: 450,
		DateApproved: &approved, Metadata: map[string]any{"preapproval_id": "pre-1"},
	}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed {
		t.Fatalf("expected processed, got %+v", res)
	}

	// Same payment announced under a different notification id.
	res, err = h.webhooks.Handle(context.Background(), notification("n2", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Detail != "charge already recorded" {
		t.Errorf("expected duplicate charge detail, got %q", res.Detail)
	}

	if n := h.billing.count(); n != 1 {
		t.Errorf("expected 1 billing row, got %d", n)
	}
	sub := h.subs.get(1)
	if sub.ChargesMade != 1 {
		t.Errorf("expected charges_made 1, got %d", sub.ChargesMade)
	}
	if sub.LastBillingDate == nil || !sub.LastBillingDate.Equal(approved) {
		t.Errorf("expected last billing %v, got %v", approved, sub.LastBillingDate)
	}
	want := approved.AddDate(0, 1, 0)
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(want) {
		t.Errorf("expected next billing %v, got %v", want, sub.NextBillingDate)
	}
}

func TestHandle_RejectedChargeSuspends(t *testing.T) {
	h := newHarness(newMemSubs(activeSub()), nil)
	h.gateway.payments["p2"] = &domain.Payment{ID: "p2", Status: "rejected", ExternalReference: "SUB-ref-1", TransactionAmount: 450}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p2"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Detail != "subscription suspended" {
		t.Errorf("unexpected detail %q", res.Detail)
	}
	if got := h.subs.get(1).Status; got != domain.SubscriptionSuspended {
		t.Errorf("expected suspended, got %s", got)
	}
	if sent := h.notifier.sent(); len(sent) != 1 || sent[0] != "payment_failed:1" {
		t.Errorf("expected payment failed email, got %v", sent)
	}
}

func TestHandle_ApprovedChargeReactivatesSuspended(t *testing.T) {
	sub := activeSub()
	sub.Status = domain.SubscriptionSuspended
	h := newHarness(newMemSubs(sub), nil)
	h.gateway.payments["p3"] = &domain.Payment{ID: "p3", Status: "approved", ExternalReference: "SUB-ref-1", TransactionAmount: 450}

	if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p3"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.subs.get(1).Status; got != domain.SubscriptionActive {
		t.Errorf("expected active, got %s", got)
	}
	if sent := h.notifier.sent(); len(sent) != 0 {
		t.Errorf("reactivation from suspended sends no activation email, got %v", sent)
	}
}

func TestHandle_ChargeRedeliveredAfterSubscriptionWriteFailure(t *testing.T) {
	h := newHarness(newMemSubs(activeSub()), nil)
	approved := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	h.gateway.payments["p1"] = &domain.Payment{
		ID: "p1", Status: "approved", ExternalReference: "SUB-ref-1", TransactionAmount: 450,
		DateApproved: &approved, Metadata: map[string]any{"preapproval_id": "pre-1"},
	}
	h.subs.failWrites = 1

	if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil); err == nil {
		t.Fatal("expected the first delivery to fail")
	}
	if n := h.billing.count(); n != 0 {
		t.Fatalf("billing row must not exist before the subscription is updated, got %d", n)
	}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Detail != "charge recorded" {
		t.Errorf("expected charge recorded, got %q", res.Detail)
	}
	sub := h.subs.get(1)
	if sub.ChargesMade != 1 || sub.LastPaymentID != "p1" {
		t.Errorf("expected one applied charge, got charges=%d last_payment=%q", sub.ChargesMade, sub.LastPaymentID)
	}
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(approved.AddDate(0, 1, 0)) {
		t.Errorf("expected next billing date to advance, got %v", sub.NextBillingDate)
	}

	res, err = h.webhooks.Handle(context.Background(), notification("n2", "payment", "p1"), nil)
	if err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	if res.Detail != "charge already recorded" || h.subs.get(1).ChargesMade != 1 {
		t.Errorf("expected no further changes, got %q charges=%d", res.Detail, h.subs.get(1).ChargesMade)
	}
}

func TestHandle_ChargeRedeliveredAfterBillingWriteFailure(t *testing.T) {
	h := newHarness(newMemSubs(activeSub()), nil)
	approved := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	h.gateway.payments["p1"] = &domain.Payment{
		ID: "p1", Status: "approved", ExternalReference: "SUB-ref-1", TransactionAmount: 450,
		DateApproved: &approved, Metadata: map[string]any{"preapproval_id": "pre-1"},
	}
	h.billing.failInserts = 1

	if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil); err == nil {
		t.Fatal("expected the first delivery to fail")
	}
	if got := h.subs.get(1).ChargesMade; got != 1 {
		t.Fatalf("expected the subscription to carry the charge, got %d", got)
	}

	if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p1"), nil); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := h.billing.count(); n != 1 {
		t.Errorf("expected billing row on redelivery, got %d", n)
	}
	if got := h.subs.get(1).ChargesMade; got != 1 {
		t.Errorf("charge must not be counted twice, got %d", got)
	}
}

func TestHandle_RejectedChargeRedeliveredAfterWriteFailure(t *testing.T) {
	h := newHarness(newMemSubs(activeSub()), nil)
	h.gateway.payments["p2"] = &domain.Payment{ID: "p2", Status: "rejected", ExternalReference: "SUB-ref-1", TransactionAmount: 450}
	h.subs.failWrites = 1

	if _, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p2"), nil); err == nil {
		t.Fatal("expected the first delivery to fail")
	}
	if n := h.billing.count(); n != 0 {
		t.Fatalf("expected no billing row yet, got %d", n)
	}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", "p2"), nil)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Detail != "subscription suspended" {
		t.Errorf("expected suspension on redelivery, got %q", res.Detail)
	}
	if got := h.subs.get(1).Status; got != domain.SubscriptionSuspended {
		t.Errorf("expected suspended, got %s", got)
	}
	if sent := h.notifier.sent(); len(sent) != 1 || sent[0] != "payment_failed:1" {
		t.Errorf("expected one payment failed email, got %v", sent)
	}
	if n := h.billing.count(); n != 1 {
		t.Errorf("expected one billing row, got %d", n)
	}
}

func TestHandle_PreapprovalActivatesSubscription(t *testing.T) {
	h := newHarness(newMemSubs(pendingSub(1)), nil)
	h.gateway.preapprovals["pre-1"] = &domain.Preapproval{ID: "pre-1", Status: domain.PreapprovalAuthorized, ExternalReference: "SUB-ref-1"}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", "preapproval", "pre-1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed {
		t.Fatalf("expected processed, got %+v", res)
	}
	sub := h.subs.get(1)
	if sub.Status != domain.SubscriptionActive || sub.MercadoPagoSubscriptionID != "pre-1" {
		t.Errorf("expected active and linked, got %+v", sub)
	}
	if sent := h.notifier.sent(); len(sent) != 1 || sent[0] != "subscription_activated:1" {
		t.Errorf("expected activation email, got %v", sent)
	}
	if log := h.logs.get("mp:n1"); log.WebhookType != domain.WebhookTypePreapproval {
		t.Errorf("legacy topic should be normalized, got %s", log.WebhookType)
	}
}

func TestHandle_PreapprovalWithoutLocalRowIsIgnored(t *testing.T) {
	h := newHarness(nil, nil)
	h.gateway.preapprovals["pre-1"] = &domain.Preapproval{ID: "pre-1", Status: domain.PreapprovalAuthorized, ExternalReference: "SUB-unknown"}

	res, err := h.webhooks.Handle(context.Background(), notification("n1", domain.WebhookTypePreapproval, "pre-1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookIgnored {
		t.Errorf("expected ignored, got %s", res.Outcome)
	}
}

func TestHandle_AuthorizedPayment(t *testing.T) {
	h := newHarness(newMemSubs(activeSub()), nil)
	pending := &domain.AuthorizedPayment{ID: "ap-1", PreapprovalID: "pre-1", Status: "scheduled"}
	charged := &domain.AuthorizedPayment{ID: "ap-2", PreapprovalID: "pre-1", Status: "processed", TransactionAmount: 450}
	charged.Payment.ID = "p9"
	charged.Payment.Status = "approved"
	h.gateway.authorized["ap-1"] = pending
	h.gateway.authorized["ap-2"] = charged

	res, err := h.webhooks.Handle(context.Background(), notification("n1", domain.WebhookTypeAuthorizedPayment, "ap-1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookIgnored {
		t.Errorf("uncharged invoice should be ignored, got %s", res.Outcome)
	}

	res, err = h.webhooks.Handle(context.Background(), notification("n2", domain.WebhookTypeAuthorizedPayment, "ap-2"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookProcessed || h.billing.count() != 1 {
		t.Errorf("expected charge recorded, got %+v with %d billing rows", res, h.billing.count())
	}
}

func TestHandle_UnknownTypeIgnored(t *testing.T) {
	h := newHarness(nil, nil)

	res, err := h.webhooks.Handle(context.Background(), notification("n1", domain.WebhookTypeMerchantOrder, "mo-1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.WebhookIgnored {
		t.Errorf("expected ignored, got %s", res.Outcome)
	}
	if log := h.logs.get("mp:n1"); log.Status != domain.WebhookIgnored {
		t.Errorf("expected ignored log, got %s", log.Status)
	}
}

func TestHandle_KeyWithoutNotificationID(t *testing.T) {
	h := newHarness(nil, nil)

	res, err := h.webhooks.Handle(context.Background(), notification("", domain.WebhookTypeMerchantOrder, "mo-1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EventKey != "merchant_order:merchant_order.updated:mo-1" {
		t.Errorf("unexpected event key %q", res.EventKey)
	}
}

func TestHandle_MissingDataID(t *testing.T) {
	h := newHarness(nil, nil)

	_, err := h.webhooks.Handle(context.Background(), notification("n1", "payment", ""), nil)
	var v *domain.ErrValidation
	if !errors.As(err, &v) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestVerifySignature_DisabledWithoutSecret(t *testing.T) {
	h := newHarness(nil, nil)
	if err := h.webhooks.VerifySignature("", "", "p1"); err != nil {
		t.Errorf("empty secret must skip verification, got %v", err)
	}
}
