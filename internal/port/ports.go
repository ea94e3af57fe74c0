// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from Supabase, MercadoPago and SMTP.
package port

import (
	"context"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
)

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	// GetOrLoad returns the cached value or stores the result of load.
	// hit reports whether the value came from the cache.
	GetOrLoad(ctx context.Context, key string, load func(context.Context) (T, error)) (value T, hit bool, err error)
}

// PaymentGateway is the subset of the MercadoPago API the storefront uses.
type PaymentGateway interface {
	CreatePreapproval(ctx context.Context, req *domain.PreapprovalRequest) (*domain.Preapproval, error)
	GetPreapproval(ctx context.Context, id string) (*domain.Preapproval, error)
	UpdatePreapprovalStatus(ctx context.Context, id, status string) (*domain.Preapproval, error)
	SearchPreapprovals(ctx context.Context, q domain.PreapprovalSearch) ([]domain.Preapproval, error)
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetAuthorizedPayment(ctx context.Context, id string) (*domain.AuthorizedPayment, error)
	CreatePreference(ctx context.Context, req *domain.PreferenceRequest) (*domain.Preference, error)
}

// SubscriptionStore persists unified_subscriptions rows.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error)
	GetSubscriptionByExternalReference(ctx context.Context, ref string) (*domain.Subscription, error)
	GetSubscriptionByPreapprovalID(ctx context.Context, preapprovalID string) (*domain.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]domain.Subscription, error)
	ListSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error)

	// UpdateSubscription applies patch unconditionally.
	UpdateSubscription(ctx context.Context, id int64, patch domain.SubscriptionPatch) (*domain.Subscription, error)

	// TransitionSubscription applies patch only while the stored status is
	// still expected. applied=false means another writer changed it first.
	TransitionSubscription(ctx context.Context, id int64, expected domain.SubscriptionStatus, patch domain.SubscriptionPatch) (sub *domain.Subscription, applied bool, err error)
}

// BillingStore persists billing_history rows.
type BillingStore interface {
	// RecordBilling inserts a row; a payment id seen before returns *domain.ErrDuplicate.
	RecordBilling(ctx context.Context, rec *domain.BillingRecord) (*domain.BillingRecord, error)
	ListBillingHistory(ctx context.Context, subscriptionID int64) ([]domain.BillingRecord, error)
}

// OrderStore persists orders rows.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	UpdateOrder(ctx context.Context, id int64, fields map[string]any) (*domain.Order, error)
	// AdvancePaymentStatus patches the order only while its payment_status
	// is one of from. The bool reports whether a row was updated.
	AdvancePaymentStatus(ctx context.Context, id int64, from []domain.PaymentStatus, fields map[string]any) (*domain.Order, bool, error)
}

// WebhookLogStore is the delivery ledger for MercadoPago notifications.
type WebhookLogStore interface {
	GetWebhookLog(ctx context.Context, eventKey string) (*domain.WebhookLog, error)
	// InsertWebhookLog returns *domain.ErrDuplicate when the event key exists.
	InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) (*domain.WebhookLog, error)
	UpdateWebhookLog(ctx context.Context, eventKey string, fields map[string]any) error
	ListWebhookLogs(ctx context.Context, status string, limit, offset int) ([]domain.WebhookLog, error)
}

// ProfileStore reads profiles rows.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// Locker guards an operation across processes. Acquire returns
// domain.ErrLockHeld when somebody else holds the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Notifier sends transactional emails.
type Notifier interface {
	OrderConfirmed(ctx context.Context, order *domain.Order) error
	SubscriptionActivated(ctx context.Context, sub *domain.Subscription) error
	SubscriptionCancelled(ctx context.Context, sub *domain.Subscription) error
	PaymentFailed(ctx context.Context, sub *domain.Subscription, paymentID string) error
}
