package supabase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// unified_subscriptions — CRUD via PostgREST
// ============================================================

const subscriptionsTable = "unified_subscriptions"

func (c *Client) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateSubscription")
	defer span.End()

	now := c.now().UTC()
	row := map[string]any{
		"user_id":             sub.UserID,
		"product_id":          sub.ProductID,
		"product_name":        sub.ProductName,
		"subscription_type":   sub.SubscriptionType,
		"status":              sub.Status,
		"external_reference":  sub.ExternalReference,
		"transaction_amount":  sub.TransactionAmount,
		"discount_percentage": sub.DiscountPercentage,
		"frequency":           sub.Frequency,
		"frequency_type":      sub.FrequencyType,
		"currency_id":         sub.CurrencyID,
		"customer_email":      sub.CustomerEmail,
		"customer_name":       sub.CustomerName,
		"charges_made":        0,
		"created_at":          now.Format(time.RFC3339),
		"updated_at":          now.Format(time.RFC3339),
	}

	body, err := c.doPost(ctx, subscriptionsTable, row)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Subscription](body, "subscription")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no result from %s insert", subscriptionsTable)
	}
	return &rows[0], nil
}

func (c *Client) GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetSubscription")
	defer span.End()
	span.SetAttributes(attribute.Int64("subscription.id", id))

	return c.getSubscriptionBy(ctx, "id", strconv.FormatInt(id, 10))
}

func (c *Client) GetSubscriptionByExternalReference(ctx context.Context, ref string) (*domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetSubscriptionByExternalReference")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.external_reference", ref))

	return c.getSubscriptionBy(ctx, "external_reference", ref)
}

func (c *Client) GetSubscriptionByPreapprovalID(ctx context.Context, preapprovalID string) (*domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetSubscriptionByPreapprovalID")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.preapproval_id", preapprovalID))

	return c.getSubscriptionBy(ctx, "mercadopago_subscription_id", preapprovalID)
}

func (c *Client) getSubscriptionBy(ctx context.Context, column, value string) (*domain.Subscription, error) {
	path := fmt.Sprintf("%s?%s=%s&order=created_at.desc&limit=1", subscriptionsTable, column, eq(value))
	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Subscription](body, "subscription")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: value}
	}
	return &rows[0], nil
}

func (c *Client) ListSubscriptionsByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListSubscriptionsByUser")
	defer span.End()

	path := fmt.Sprintf("%s?user_id=%s&order=created_at.desc", subscriptionsTable, eq(userID))
	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Subscription](body, "subscriptions")
}

func (c *Client) ListSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListSubscriptions")
	defer span.End()

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	path := fmt.Sprintf("%s?order=id.asc&limit=%d&offset=%d", subscriptionsTable, limit, filter.Offset)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		path += "&status=" + in(statuses)
	}
	if filter.SyncedBefore != nil {
		ts := filter.SyncedBefore.UTC().Format(time.RFC3339)
		path += fmt.Sprintf("&or=(last_sync_at.is.null,last_sync_at.lt.%s)", ts)
	}
	if filter.AfterID > 0 {
		path += fmt.Sprintf("&id=gt.%d", filter.AfterID)
	}

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Subscription](body, "subscriptions")
}

func (c *Client) UpdateSubscription(ctx context.Context, id int64, patch domain.SubscriptionPatch) (*domain.Subscription, error) {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateSubscription")
	defer span.End()
	span.SetAttributes(attribute.Int64("subscription.id", id))

	path := fmt.Sprintf("%s?id=eq.%d", subscriptionsTable, id)
	body, err := c.doPatch(ctx, path, c.subscriptionFields(patch))
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Subscription](body, "subscription")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: strconv.FormatInt(id, 10)}
	}
	return &rows[0], nil
}

// TransitionSubscription patches the row only while status still equals expected.
func (c *Client) TransitionSubscription(ctx context.Context, id int64, expected domain.SubscriptionStatus, patch domain.SubscriptionPatch) (*domain.Subscription, bool, error) {
	ctx, span := tracer.Start(ctx, "Supabase.TransitionSubscription")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("subscription.id", id),
		attribute.String("subscription.expected_status", string(expected)),
	)

	path := fmt.Sprintf("%s?id=eq.%d&status=%s", subscriptionsTable, id, eq(string(expected)))
	body, err := c.doPatch(ctx, path, c.subscriptionFields(patch))
	if err != nil {
		return nil, false, err
	}
	rows, err := decodeRows[domain.Subscription](body, "subscription")
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return &rows[0], true, nil
}

func (c *Client) subscriptionFields(p domain.SubscriptionPatch) map[string]any {
	fields := map[string]any{
		"updated_at": c.now().UTC().Format(time.RFC3339),
	}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	if p.ExternalReference != nil {
		fields["external_reference"] = *p.ExternalReference
	}
	if p.MercadoPagoSubscriptionID != nil {
		fields["mercadopago_subscription_id"] = *p.MercadoPagoSubscriptionID
	}
	if p.InitPoint != nil {
		fields["init_point"] = *p.InitPoint
	}
	if p.NextBillingDate != nil {
		fields["next_billing_date"] = p.NextBillingDate.UTC().Format(time.RFC3339)
	}
	if p.LastBillingDate != nil {
		fields["last_billing_date"] = p.LastBillingDate.UTC().Format(time.RFC3339)
	}
	if p.ChargesMade != nil {
		fields["charges_made"] = *p.ChargesMade
	}
	if p.LastPaymentID != nil {
		fields["last_payment_id"] = *p.LastPaymentID
	}
	if p.CancelledAt != nil {
		fields["cancelled_at"] = p.CancelledAt.UTC().Format(time.RFC3339)
	}
	if p.LastSyncAt != nil {
		fields["last_sync_at"] = p.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return fields
}
