package domain

import (
	"strings"
	"time"
)

// ============================================================
// Subscriptions (unified_subscriptions)
// ============================================================

// SubscriptionStatus is the local lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionPending:   {SubscriptionActive, SubscriptionCancelled, SubscriptionExpired},
	SubscriptionActive:    {SubscriptionPaused, SubscriptionSuspended, SubscriptionCancelled, SubscriptionExpired},
	SubscriptionPaused:    {SubscriptionActive, SubscriptionCancelled},
	SubscriptionSuspended: {SubscriptionActive, SubscriptionCancelled},
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionPending, SubscriptionActive, SubscriptionPaused,
		SubscriptionSuspended, SubscriptionCancelled, SubscriptionExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionCancelled || s == SubscriptionExpired
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same status is always allowed.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusFromPreapproval maps a MercadoPago preapproval status to the local status.
func StatusFromPreapproval(mpStatus string) (SubscriptionStatus, bool) {
	switch strings.ToLower(mpStatus) {
	case PreapprovalPending:
		return SubscriptionPending, true
	case PreapprovalAuthorized:
		return SubscriptionActive, true
	case PreapprovalPaused:
		return SubscriptionPaused, true
	case PreapprovalCancelled:
		return SubscriptionCancelled, true
	case PreapprovalFinished:
		return SubscriptionExpired, true
	}
	return "", false
}

// PreapprovalStatusFor is the MercadoPago status that represents the local one,
// used when the storefront drives the change (pause, resume, cancel).
func PreapprovalStatusFor(s SubscriptionStatus) (string, bool) {
	switch s {
	case SubscriptionActive:
		return PreapprovalAuthorized, true
	case SubscriptionPaused:
		return PreapprovalPaused, true
	case SubscriptionCancelled:
		return PreapprovalCancelled, true
	}
	return "", false
}

// SubscriptionType is the billing cadence offered in the storefront.
type SubscriptionType string

const (
	SubscriptionWeekly    SubscriptionType = "weekly"
	SubscriptionBiweekly  SubscriptionType = "biweekly"
	SubscriptionMonthly   SubscriptionType = "monthly"
	SubscriptionQuarterly SubscriptionType = "quarterly"
	SubscriptionAnnual    SubscriptionType = "annual"
)

// Frequency returns the MercadoPago auto_recurring frequency for the cadence.
func (t SubscriptionType) Frequency() (int, string, bool) {
	switch t {
	case SubscriptionWeekly:
		return 7, FrequencyDays, true
	case SubscriptionBiweekly:
		return 14, FrequencyDays, true
	case SubscriptionMonthly:
		return 1, FrequencyMonths, true
	case SubscriptionQuarterly:
		return 3, FrequencyMonths, true
	case SubscriptionAnnual:
		return 12, FrequencyMonths, true
	}
	return 0, "", false
}

const (
	FrequencyDays   = "days"
	FrequencyMonths = "months"
)

// NextBillingDate adds one billing period to from.
func NextBillingDate(from time.Time, frequency int, frequencyType string) time.Time {
	if frequency <= 0 {
		frequency = 1
	}
	if frequencyType == FrequencyDays {
		return from.AddDate(0, 0, frequency)
	}
	return from.AddDate(0, frequency, 0)
}

// Subscription is a row of unified_subscriptions.
type Subscription struct {
	ID                        int64              `json:"id"`
	UserID                    string             `json:"user_id"`
	ProductID                 int64              `json:"product_id"`
	ProductName               string             `json:"product_name"`
	SubscriptionType          SubscriptionType   `json:"subscription_type"`
	Status                    SubscriptionStatus `json:"status"`
	ExternalReference         string             `json:"external_reference"`
	MercadoPagoSubscriptionID string             `json:"mercadopago_subscription_id,omitempty"`
	TransactionAmount         float64            `json:"transaction_amount"`
	DiscountPercentage        float64            `json:"discount_percentage"`
	Frequency                 int                `json:"frequency"`
	FrequencyType             string             `json:"frequency_type"`
	CurrencyID                string             `json:"currency_id"`
	CustomerEmail             string             `json:"customer_email"`
	CustomerName              string             `json:"customer_name,omitempty"`
	InitPoint                 string             `json:"init_point,omitempty"`
	NextBillingDate           *time.Time         `json:"next_billing_date,omitempty"`
	LastBillingDate           *time.Time         `json:"last_billing_date,omitempty"`
	ChargesMade               int                `json:"charges_made"`
	LastPaymentID             string             `json:"last_payment_id,omitempty"`
	CancelledAt               *time.Time         `json:"cancelled_at,omitempty"`
	LastSyncAt                *time.Time         `json:"last_sync_at,omitempty"`
	CreatedAt                 time.Time          `json:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at"`
}

// CreateSubscriptionRequest is the body for POST /api/subscriptions.
type CreateSubscriptionRequest struct {
	ProductID          int64            `json:"product_id"`
	ProductName        string           `json:"product_name"`
	SubscriptionType   SubscriptionType `json:"subscription_type"`
	BasePrice          float64          `json:"base_price"`
	DiscountPercentage float64          `json:"discount_percentage"`
	CustomerEmail      string           `json:"customer_email"`
	CustomerName       string           `json:"customer_name"`
}

// ActivateSubscriptionRequest is sent by the checkout return page.
type ActivateSubscriptionRequest struct {
	ExternalReference string `json:"external_reference"`
	PreapprovalID     string `json:"preapproval_id,omitempty"`
}

// SubscriptionFilter narrows admin listings and bulk syncs.
type SubscriptionFilter struct {
	Statuses     []SubscriptionStatus
	SyncedBefore *time.Time
	// AfterID restricts to rows with a greater id, for keyset paging.
	AfterID int64
	Limit   int
	Offset  int
}

// SubscriptionPatch is a partial update of a subscription row.
// Nil fields are left untouched.
type SubscriptionPatch struct {
	Status                    *SubscriptionStatus
	ExternalReference         *string
	MercadoPagoSubscriptionID *string
	InitPoint                 *string
	NextBillingDate           *time.Time
	LastBillingDate           *time.Time
	ChargesMade               *int
	LastPaymentID             *string
	CancelledAt               *time.Time
	LastSyncAt                *time.Time
}

// Empty reports whether the patch changes nothing.
func (p SubscriptionPatch) Empty() bool {
	return p.Status == nil && p.ExternalReference == nil && p.MercadoPagoSubscriptionID == nil &&
		p.InitPoint == nil && p.NextBillingDate == nil && p.LastBillingDate == nil &&
		p.ChargesMade == nil && p.LastPaymentID == nil && p.CancelledAt == nil && p.LastSyncAt == nil
}

// ============================================================
// Billing history
// ============================================================

// BillingRecord is a row of billing_history.
type BillingRecord struct {
	ID                   int64     `json:"id,omitempty"`
	SubscriptionID       int64     `json:"subscription_id"`
	UserID               string    `json:"user_id"`
	MercadoPagoPaymentID string    `json:"mercadopago_payment_id"`
	Amount               float64   `json:"amount"`
	CurrencyID           string    `json:"currency_id"`
	Status               string    `json:"status"`
	BillingDate          time.Time `json:"billing_date"`
	CreatedAt            time.Time `json:"created_at,omitempty"`
}

// SubscriptionCharge is a recurring charge reported by MercadoPago, either
// as a payment or as an authorized_payment of a preapproval.
type SubscriptionCharge struct {
	PaymentID         string
	PreapprovalID     string
	ExternalReference string
	Status            string // MercadoPago payment status
	Amount            float64
	CurrencyID        string
	Date              time.Time
}
