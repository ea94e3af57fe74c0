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
// orders — CRUD via PostgREST
// ============================================================

func (c *Client) CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateOrder")
	defer span.End()

	now := c.now().UTC().Format(time.RFC3339)
	row := map[string]any{
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
		"total":          order.Total,
		"customer_name":  order.CustomerName,
		"customer_email": order.CustomerEmail,
		"items":          order.Items,
		"created_at":     now,
		"updated_at":     now,
	}
	if order.UserID != "" {
		row["user_id"] = order.UserID
	}
	if order.CustomerPhone != "" {
		row["customer_phone"] = order.CustomerPhone
	}
	if len(order.ShippingAddress) > 0 {
		row["shipping_address"] = order.ShippingAddress
	}

	body, err := c.doPost(ctx, "orders", row)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Order](body, "order")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no result from orders insert")
	}
	return &rows[0], nil
}

func (c *Client) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", id))

	body, err := c.doGet(ctx, fmt.Sprintf("orders?id=eq.%d&limit=1", id))
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Order](body, "order")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "order", ID: strconv.FormatInt(id, 10)}
	}
	return &rows[0], nil
}

func (c *Client) UpdateOrder(ctx context.Context, id int64, fields map[string]any) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", id))

	body, err := c.doPatch(ctx, fmt.Sprintf("orders?id=eq.%d", id), c.orderFields(fields))
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[domain.Order](body, "order")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "order", ID: strconv.FormatInt(id, 10)}
	}
	return &rows[0], nil
}

// AdvancePaymentStatus patches the order only while payment_status is one of
// from, so a slower delivery cannot overwrite a newer status.
func (c *Client) AdvancePaymentStatus(ctx context.Context, id int64, from []domain.PaymentStatus, fields map[string]any) (*domain.Order, bool, error) {
	ctx, span := tracer.Start(ctx, "Supabase.AdvancePaymentStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", id))

	if len(from) == 0 {
		return nil, false, nil
	}
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	path := fmt.Sprintf("orders?id=eq.%d&payment_status=%s", id, in(statuses))
	body, err := c.doPatch(ctx, path, c.orderFields(fields))
	if err != nil {
		return nil, false, err
	}
	rows, err := decodeRows[domain.Order](body, "order")
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return &rows[0], true, nil
}

func (c *Client) orderFields(fields map[string]any) map[string]any {
	patch := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		patch[k] = v
	}
	patch["updated_at"] = c.now().UTC().Format(time.RFC3339)
	return patch
}
