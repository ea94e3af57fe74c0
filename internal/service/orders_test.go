package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/petgourmet/storefront-api/internal/domain"
)

func cartRequest() *domain.CreateOrderRequest {
	return &domain.CreateOrderRequest{
		Items: []domain.OrderItem{
			{ProductID: 1, ProductName: "Croquetas", Size: "2kg", Quantity: 2, UnitPrice: 100},
			{ProductID: 2, ProductName: "Premios", Quantity: 1, UnitPrice: 50},
		},
		CustomerName: "Ana",
		ShippingCost: 30,
	}
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(nil, nil)

	resp, err := h.orderSvc.Create(context.Background(), owner, cartRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Order.Total != 280 {
		t.Errorf("expected total 280, got %v", resp.Order.Total)
	}
	if resp.Order.Status != domain.OrderPending || resp.Order.PaymentStatus != domain.PaymentPending {
		t.Errorf("expected pending order, got %s/%s", resp.Order.Status, resp.Order.PaymentStatus)
	}
	if resp.PreferenceID != "pref-501" || resp.Order.MercadoPagoPreferenceID != "pref-501" {
		t.Errorf("expected preference stored, got %q / %q", resp.PreferenceID, resp.Order.MercadoPagoPreferenceID)
	}
	if resp.Order.ExternalReference != "501" {
		t.Errorf("expected order id as external reference, got %q", resp.Order.ExternalReference)
	}
	if resp.Order.CustomerEmail != "ana@example.com" {
		t.Errorf("expected caller email fallback, got %q", resp.Order.CustomerEmail)
	}

	if len(h.gateway.preferences) != 1 {
		t.Fatalf("expected 1 preference, got %d", len(h.gateway.preferences))
	}
	pref := h.gateway.preferences[0]
	if len(pref.Items) != 3 {
		t.Fatalf("expected 2 products plus shipping, got %d items", len(pref.Items))
	}
	if pref.Items[0].Title != "Croquetas (2kg)" || pref.Items[0].CurrencyID != "MXN" {
		t.Errorf("unexpected first item %+v", pref.Items[0])
	}
	if pref.Items[2].ID != "shipping" || pref.Items[2].UnitPrice != 30 {
		t.Errorf("unexpected shipping item %+v", pref.Items[2])
	}
	if pref.BackURLs["success"] != "https://petgourmet.test/checkout/success" || pref.AutoReturn != "approved" {
		t.Errorf("unexpected back urls %v", pref.BackURLs)
	}
	if pref.NotificationURL == "" {
		t.Error("expected notification url")
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	h := newHarness(nil, nil)

	tests := []struct {
		name   string
		mutate func(*domain.CreateOrderRequest)
		field  string
	}{
		{"empty cart", func(r *domain.CreateOrderRequest) { r.Items = nil }, "items"},
		{"zero quantity", func(r *domain.CreateOrderRequest) { r.Items[1].Quantity = 0 }, "items[1].quantity"},
		{"negative price", func(r *domain.CreateOrderRequest) { r.Items[0].UnitPrice = -1 }, "items[0].unit_price"},
		{"negative shipping", func(r *domain.CreateOrderRequest) { r.ShippingCost = -5 }, "shipping_cost"},
		{"no name", func(r *domain.CreateOrderRequest) { r.CustomerName = " " }, "customer_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cartRequest()
			tt.mutate(req)
			_, err := h.orderSvc.Create(context.Background(), owner, req)
			var v *domain.ErrValidation
			if !errors.As(err, &v) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if v.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, v.Field)
			}
		})
	}
	if len(h.gateway.preferences) != 0 {
		t.Error("invalid carts must not reach MercadoPago")
	}
}

func TestCreateOrder_PreferenceFailure(t *testing.T) {
	h := newHarness(nil, nil)
	h.gateway.err = &domain.ErrCircuitOpen{Service: "mercadopago"}

	_, err := h.orderSvc.Create(context.Background(), owner, cartRequest())
	var open *domain.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestGetOrder_Ownership(t *testing.T) {
	orders := newMemOrders(domain.Order{ID: 10, UserID: "user-1", Status: domain.OrderPending, PaymentStatus: domain.PaymentPending})
	h := newHarness(nil, orders)

	if _, err := h.orderSvc.Get(context.Background(), owner, 10); err != nil {
		t.Fatalf("owner should read order: %v", err)
	}

	_, err := h.orderSvc.Get(context.Background(), domain.Caller{UserID: "user-2"}, 10)
	var f *domain.ErrForbidden
	if !errors.As(err, &f) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	_, err = h.orderSvc.Get(context.Background(), owner, 99)
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyPayment_RankNeverDowngrades(t *testing.T) {
	orders := newMemOrders(domain.Order{ID: 10, UserID: "user-1", Status: domain.OrderPending, PaymentStatus: domain.PaymentPending})
	h := newHarness(nil, orders)
	ctx := context.Background()

	steps := []struct {
		status  string
		want    domain.PaymentStatus
		outcome string
	}{
		{"rejected", domain.PaymentFailed, domain.WebhookProcessed},
		{"approved", domain.PaymentPaid, domain.WebhookProcessed},
		{"pending", domain.PaymentPaid, domain.WebhookProcessed},
		{"rejected", domain.PaymentPaid, domain.WebhookProcessed},
		{"refunded", domain.PaymentRefunded, domain.WebhookProcessed},
		{"in_review_unknown", domain.PaymentRefunded, domain.WebhookIgnored},
	}
	for _, step := range steps {
		outcome, _, err := h.orderSvc.ApplyPayment(ctx, &domain.Payment{ID: "p1", Status: step.status, ExternalReference: "10"})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", step.status, err)
		}
		if outcome != step.outcome {
			t.Errorf("%s: expected outcome %s, got %s", step.status, step.outcome, outcome)
		}
		if got := h.orders.get(10).PaymentStatus; got != step.want {
			t.Errorf("after %s: expected %s, got %s", step.status, step.want, got)
		}
	}

	if got := h.orders.get(10).Status; got != domain.OrderProcessing {
		t.Errorf("paid order should be processing, got %s", got)
	}
	if sent := h.notifier.sent(); len(sent) != 1 || sent[0] != "order_confirmed:10" {
		t.Errorf("expected one confirmation email, got %v", sent)
	}
}

func TestApplyPayment_ConcurrentNewerStatusWins(t *testing.T) {
	orders := newMemOrders(domain.Order{ID: 10, UserID: "user-1", Status: domain.OrderPending, PaymentStatus: domain.PaymentPending})
	// A refund lands between the read and the write of the approved delivery.
	orders.beforeAdvance = func(row *domain.Order) {
		row.PaymentStatus = domain.PaymentRefunded
	}
	h := newHarness(nil, orders)

	outcome, detail, err := h.orderSvc.ApplyPayment(context.Background(), &domain.Payment{ID: "p1", Status: "approved", ExternalReference: "10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != domain.WebhookProcessed || detail != "payment status not newer" {
		t.Errorf("expected skipped update, got %s %q", outcome, detail)
	}
	order := h.orders.get(10)
	if order.PaymentStatus != domain.PaymentRefunded || order.Status != domain.OrderPending {
		t.Errorf("refund must survive, got %s/%s", order.PaymentStatus, order.Status)
	}
	if sent := h.notifier.sent(); len(sent) != 0 {
		t.Errorf("no confirmation expected, got %v", sent)
	}
}

func TestApplyPayment_IgnoresForeignReferences(t *testing.T) {
	h := newHarness(nil, nil)

	for _, ref := range []string{"not-a-number", "404"} {
		outcome, _, err := h.orderSvc.ApplyPayment(context.Background(), &domain.Payment{ID: "p1", Status: "approved", ExternalReference: ref})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", ref, err)
		}
		if outcome != domain.WebhookIgnored {
			t.Errorf("%s: expected ignored, got %s", ref, outcome)
		}
	}
}
