package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================
// Orders
// ============================================================

// Order fulfilment statuses.
const (
	OrderPending    = "pending"
	OrderProcessing = "processing"
	OrderShipped    = "shipped"
	OrderDelivered  = "delivered"
	OrderCancelled  = "cancelled"
)

// PaymentStatus is the local payment state of an order.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentPaid      PaymentStatus = "paid"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Rank orders payment statuses so that out-of-order webhooks never move an
// order backwards.
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentPending:
		return 0
	case PaymentFailed, PaymentCancelled:
		return 1
	case PaymentPaid:
		return 2
	case PaymentRefunded:
		return 3
	}
	return -1
}

// Below lists the statuses with a lower rank than s.
func (s PaymentStatus) Below() []PaymentStatus {
	var out []PaymentStatus
	for _, st := range []PaymentStatus{PaymentPending, PaymentFailed, PaymentCancelled, PaymentPaid, PaymentRefunded} {
		if st.Rank() < s.Rank() {
			out = append(out, st)
		}
	}
	return out
}

// PaymentStatusFromMercadoPago maps a MercadoPago payment status.
func PaymentStatusFromMercadoPago(mpStatus string) (PaymentStatus, bool) {
	switch strings.ToLower(mpStatus) {
	case "approved":
		return PaymentPaid, true
	case "authorized", "in_process", "in_mediation", "pending":
		return PaymentPending, true
	case "rejected":
		return PaymentFailed, true
	case "cancelled":
		return PaymentCancelled, true
	case "refunded", "charged_back":
		return PaymentRefunded, true
	}
	return "", false
}

// OrderItem is a line of an order.
type OrderItem struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Size        string  `json:"size,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Subtotal is quantity times unit price.
func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// Order is a row of orders.
type Order struct {
	ID                      int64           `json:"id"`
	UserID                  string          `json:"user_id,omitempty"`
	Status                  string          `json:"status"`
	PaymentStatus           PaymentStatus   `json:"payment_status"`
	Total                   float64         `json:"total"`
	CustomerName            string          `json:"customer_name"`
	CustomerEmail           string          `json:"customer_email"`
	CustomerPhone           string          `json:"customer_phone,omitempty"`
	ShippingAddress         json.RawMessage `json:"shipping_address,omitempty"`
	Items                   []OrderItem     `json:"items"`
	ExternalReference       string          `json:"external_reference,omitempty"`
	MercadoPagoPaymentID    string          `json:"mercadopago_payment_id,omitempty"`
	MercadoPagoPreferenceID string          `json:"mercadopago_preference_id,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// CreateOrderRequest is the body for POST /api/orders.
type CreateOrderRequest struct {
	Items           []OrderItem     `json:"items"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerPhone   string          `json:"customer_phone,omitempty"`
	ShippingAddress json.RawMessage `json:"shipping_address,omitempty"`
	ShippingCost    float64         `json:"shipping_cost"`
}

// CreateOrderResponse returns the order together with the checkout URL.
type CreateOrderResponse struct {
	Order        *Order `json:"order"`
	PreferenceID string `json:"preference_id"`
	InitPoint    string `json:"init_point"`
}

// ============================================================
// Webhook logs
// ============================================================

// Webhook log statuses. WebhookDuplicate is only a delivery outcome.
const (
	WebhookProcessing = "processing"
	WebhookProcessed  = "processed"
	WebhookFailed     = "failed"
	WebhookIgnored    = "ignored"
	WebhookDuplicate  = "duplicate"
)

// WebhookLog is a row of webhook_logs.
type WebhookLog struct {
	ID           int64           `json:"id,omitempty"`
	EventKey     string          `json:"event_key"`
	WebhookType  string          `json:"webhook_type"`
	Action       string          `json:"action,omitempty"`
	DataID       string          `json:"data_id"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	ClaimID      string          `json:"claim_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// WebhookResult is returned to MercadoPago and to admin tooling.
type WebhookResult struct {
	EventKey string `json:"event_key"`
	Outcome  string `json:"outcome"` // processed, duplicate, ignored, failed
	Detail   string `json:"detail,omitempty"`
}

// ============================================================
// Profiles
// ============================================================

const RoleAdmin = "admin"

// Profile is a row of profiles, keyed by the Supabase auth user id.
type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the profile may use admin routes.
func (p *Profile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID string
	Email  string
	Admin  bool
}

// Owns reports whether the caller may act on a row owned by userID.
func (c Caller) Owns(userID string) bool {
	return c.Admin || (c.UserID != "" && c.UserID == userID)
}
