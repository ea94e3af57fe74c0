package supabase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
)

// ============================================================
// billing_history — CRUD via PostgREST
// ============================================================

// RecordBilling inserts a billing_history row. The unique index on
// mercadopago_payment_id turns a redelivered payment into ErrDuplicate.
func (c *Client) RecordBilling(ctx context.Context, rec *domain.BillingRecord) (*domain.BillingRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.RecordBilling")
	defer span.End()

	row := map[string]any{
		"subscription_id":        rec.SubscriptionID,
		"user_id":                rec.UserID,
		"mercadopago_payment_id": rec.MercadoPagoPaymentID,
		"amount":                 rec.Amount,
		"currency_id":            rec.CurrencyID,
		"status":                 rec.Status,
		"billing_date":           rec.BillingDate.UTC().Format(time.RFC3339),
	}

	body, err := c.doPost(ctx, "billing_history", row)
	if err != nil {
		var dup *domain.ErrDuplicate
		if errors.As(err, &dup) {
			return nil, &domain.ErrDuplicate{Key: "billing_history:" + rec.MercadoPagoPaymentID}
		}
		return nil, err
	}

	rows, err := decodeRows[domain.BillingRecord](body, "billing_history")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no result from billing_history insert")
	}
	return &rows[0], nil
}

func (c *Client) ListBillingHistory(ctx context.Context, subscriptionID int64) ([]domain.BillingRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListBillingHistory")
	defer span.End()

	path := fmt.Sprintf("billing_history?subscription_id=eq.%d&order=billing_date.desc", subscriptionID)
	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.BillingRecord](body, "billing_history")
}
