package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================
// MercadoPago objects
// ============================================================

// Preapproval statuses as reported by MercadoPago.
const (
	PreapprovalPending    = "pending"
	PreapprovalAuthorized = "authorized"
	PreapprovalPaused     = "paused"
	PreapprovalCancelled  = "cancelled"
	PreapprovalFinished   = "finished"
)

// Webhook notification types.
const (
	WebhookTypePayment                = "payment"
	WebhookTypePreapproval            = "subscription_preapproval"
	WebhookTypeAuthorizedPayment      = "subscription_authorized_payment"
	WebhookTypeMerchantOrder          = "merchant_order"
	WebhookTypeLegacyPreapprovalTopic = "preapproval"
)

// FlexID decodes MercadoPago identifiers that arrive either as JSON numbers
// or JSON strings.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// AutoRecurring is the billing schedule of a preapproval.
type AutoRecurring struct {
	Frequency         int        `json:"frequency"`
	FrequencyType     string     `json:"frequency_type"`
	TransactionAmount float64    `json:"transaction_amount"`
	CurrencyID        string     `json:"currency_id"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
}

// PreapprovalSummary carries the charge counters of a preapproval.
type PreapprovalSummary struct {
	Quantity        int        `json:"quantity"`
	ChargedQuantity int        `json:"charged_quantity"`
	ChargedAmount   float64    `json:"charged_amount"`
	LastChargedDate *time.Time `json:"last_charged_date,omitempty"`
}

// Preapproval is MercadoPago's recurring-billing subscription object.
type Preapproval struct {
	ID                string              `json:"id"`
	PayerID           FlexID              `json:"payer_id,omitempty"`
	PayerEmail        string              `json:"payer_email,omitempty"`
	BackURL           string              `json:"back_url,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	ExternalReference string              `json:"external_reference,omitempty"`
	Status            string              `json:"status"`
	InitPoint         string              `json:"init_point,omitempty"`
	DateCreated       *time.Time          `json:"date_created,omitempty"`
	LastModified      *time.Time          `json:"last_modified,omitempty"`
	NextPaymentDate   *time.Time          `json:"next_payment_date,omitempty"`
	AutoRecurring     AutoRecurring       `json:"auto_recurring"`
	Summarized        *PreapprovalSummary `json:"summarized,omitempty"`
}

// PreapprovalRequest is the body for POST /preapproval.
type PreapprovalRequest struct {
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference"`
	PayerEmail        string        `json:"payer_email"`
	BackURL           string        `json:"back_url"`
	Status            string        `json:"status,omitempty"`
	AutoRecurring     AutoRecurring `json:"auto_recurring"`
}

// PreapprovalSearch filters GET /preapproval/search.
type PreapprovalSearch struct {
	ExternalReference string
	PayerEmail        string
	Status            string
	Limit             int
}

// Payer is the payer block of a payment.
type Payer struct {
	ID    FlexID `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// Payment is a MercadoPago payment.
type Payment struct {
	ID                FlexID         `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	TransactionAmount float64        `json:"transaction_amount"`
	CurrencyID        string         `json:"currency_id"`
	PaymentMethodID   string         `json:"payment_method_id,omitempty"`
	DateCreated       *time.Time     `json:"date_created,omitempty"`
	DateApproved      *time.Time     `json:"date_approved,omitempty"`
	Payer             Payer          `json:"payer"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// PreapprovalID returns the subscription a recurring payment belongs to, if any.
func (p *Payment) PreapprovalID() string {
	if p.Metadata == nil {
		return ""
	}
	for _, key := range []string{"preapproval_id", "subscription_id"} {
		if v, ok := p.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// AuthorizedPayment is an invoice of a preapproval.
type AuthorizedPayment struct {
	ID                FlexID     `json:"id"`
	PreapprovalID     string     `json:"preapproval_id"`
	Status            string     `json:"status"`
	TransactionAmount float64    `json:"transaction_amount"`
	CurrencyID        string     `json:"currency_id"`
	DebitDate         *time.Time `json:"debit_date,omitempty"`
	ExternalReference string     `json:"external_reference,omitempty"`
	Payment           struct {
		ID     FlexID `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}

// PreferenceItem is a checkout preference line.
type PreferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

// PreferenceRequest is the body for POST /checkout/preferences.
type PreferenceRequest struct {
	Items             []PreferenceItem  `json:"items"`
	Payer             Payer             `json:"payer"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
}

// Preference is a created checkout preference.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point,omitempty"`
}

// WebhookNotification is the JSON body MercadoPago posts to the webhook URL.
type WebhookNotification struct {
	ID          FlexID `json:"id"`
	LiveMode    bool   `json:"live_mode"`
	Type        string `json:"type"`
	Action      string `json:"action"`
	DateCreated string `json:"date_created,omitempty"`
	UserID      FlexID `json:"user_id,omitempty"`
	APIVersion  string `json:"api_version,omitempty"`
	Data        struct {
		ID FlexID `json:"id"`
	} `json:"data"`
}

// EventKey is the idempotency key of the notification.
func (n *WebhookNotification) EventKey() string {
	if n.ID != "" {
		return "mp:" + n.ID.String()
	}
	return strings.Join([]string{n.Type, n.Action, n.Data.ID.String()}, ":")
}

// Normalize folds legacy IPN topics into webhook types.
func (n *WebhookNotification) Normalize() {
	n.Type = strings.TrimSpace(strings.ToLower(n.Type))
	if n.Type == WebhookTypeLegacyPreapprovalTopic {
		n.Type = WebhookTypePreapproval
	}
}
