package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/port"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var orderTracer = otel.Tracer("service/orders")

// OrderConfig holds checkout settings.
type OrderConfig struct {
	SiteURL    string
	WebhookURL string
	CurrencyID string
}

// OrderService creates orders and applies their payment notifications.
type OrderService struct {
	orders   port.OrderStore
	gateway  port.PaymentGateway
	notifier port.Notifier
	cfg      OrderConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewOrderService creates an OrderService.
func NewOrderService(orders port.OrderStore, gateway port.PaymentGateway, notifier port.Notifier, cfg OrderConfig, metrics *observability.Metrics, logger *zap.Logger) *OrderService {
	if cfg.CurrencyID == "" {
		cfg.CurrencyID = "MXN"
	}
	return &OrderService{
		orders:   orders,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Create validates the cart, stores a pending order and opens a checkout
// preference whose external_reference is the order id.
func (s *OrderService) Create(ctx context.Context, caller domain.Caller, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error) {
	ctx, span := orderTracer.Start(ctx, "OrderService.Create")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("order_create", time.Since(start)) }()

	if err := validateOrder(req); err != nil {
		return nil, err
	}

	total := req.ShippingCost
	for _, item := range req.Items {
		total += item.Subtotal()
	}
	total = roundCents(total)

	email := req.CustomerEmail
	if email == "" {
		email = caller.Email
	}

	order, err := s.orders.CreateOrder(ctx, &domain.Order{
		UserID:          caller.UserID,
		Status:          domain.OrderPending,
		PaymentStatus:   domain.PaymentPending,
		Total:           total,
		CustomerName:    req.CustomerName,
		CustomerEmail:   email,
		CustomerPhone:   req.CustomerPhone,
		ShippingAddress: req.ShippingAddress,
		Items:           req.Items,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))

	ref := strconv.FormatInt(order.ID, 10)
	items := lo.Map(req.Items, func(item domain.OrderItem, _ int) domain.PreferenceItem {
		title := item.ProductName
		if item.Size != "" {
			title += " (" + item.Size + ")"
		}
		return domain.PreferenceItem{
			ID:         strconv.FormatInt(item.ProductID, 10),
			Title:      title,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			CurrencyID: s.cfg.CurrencyID,
		}
	})
	if req.ShippingCost > 0 {
		items = append(items, domain.PreferenceItem{
			ID:         "shipping",
			Title:      "Envío",
			Quantity:   1,
			UnitPrice:  req.ShippingCost,
			CurrencyID: s.cfg.CurrencyID,
		})
	}

	pref, err := s.gateway.CreatePreference(ctx, &domain.PreferenceRequest{
		Items:             items,
		Payer:             domain.Payer{Email: email},
		ExternalReference: ref,
		NotificationURL:   s.cfg.WebhookURL,
		BackURLs: map[string]string{
			"success": s.cfg.SiteURL + "/checkout/success",
			"failure": s.cfg.SiteURL + "/checkout/failure",
			"pending": s.cfg.SiteURL + "/checkout/pending",
		},
		AutoReturn: "approved",
	})
	if err != nil {
		s.logger.Error("checkout preference failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return nil, fmt.Errorf("create preference: %w", err)
	}

	updated, err := s.orders.UpdateOrder(ctx, order.ID, map[string]any{
		"external_reference":        ref,
		"mercadopago_preference_id": pref.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("store preference id: %w", err)
	}

	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Float64("total", total),
		zap.String("preference_id", pref.ID),
	)
	return &domain.CreateOrderResponse{
		Order:        updated,
		PreferenceID: pref.ID,
		InitPoint:    pref.InitPoint,
	}, nil
}

func validateOrder(req *domain.CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return &domain.ErrValidation{Field: "items", Message: "at least one item is required"}
	}
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.ProductName) == "" {
			return &domain.ErrValidation{Field: field + ".product_name", Message: "required"}
		}
		if item.Quantity <= 0 {
			return &domain.ErrValidation{Field: field + ".quantity", Message: "must be greater than zero"}
		}
		if item.UnitPrice < 0 {
			return &domain.ErrValidation{Field: field + ".unit_price", Message: "must not be negative"}
		}
	}
	if req.ShippingCost < 0 {
		return &domain.ErrValidation{Field: "shipping_cost", Message: "must not be negative"}
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		return &domain.ErrValidation{Field: "customer_name", Message: "required"}
	}
	return nil
}

// Get returns an order to its owner or to an admin.
func (s *OrderService) Get(ctx context.Context, caller domain.Caller, id int64) (*domain.Order, error) {
	ctx, span := orderTracer.Start(ctx, "OrderService.Get")
	defer span.End()

	order, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(order.UserID) {
		return nil, &domain.ErrForbidden{Action: "view order"}
	}
	return order, nil
}

// ApplyPayment moves the order behind payment.ExternalReference forward.
// Statuses of lower or equal rank are ignored so late deliveries never
// downgrade an order.
func (s *OrderService) ApplyPayment(ctx context.Context, payment *domain.Payment) (string, string, error) {
	ctx, span := orderTracer.Start(ctx, "OrderService.ApplyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", payment.ID.String()))

	orderID, err := strconv.ParseInt(payment.ExternalReference, 10, 64)
	if err != nil {
		return domain.WebhookIgnored, "external_reference is not an order id", nil
	}

	next, ok := domain.PaymentStatusFromMercadoPago(payment.Status)
	if !ok {
		return domain.WebhookIgnored, "payment status " + payment.Status, nil
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			return domain.WebhookIgnored, "no local order", nil
		}
		return "", "", err
	}

	log := s.logger.With(
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", payment.ID.String()),
	)

	if next.Rank() <= order.PaymentStatus.Rank() {
		log.Info("payment status not newer, skipped",
			zap.String("current", string(order.PaymentStatus)),
			zap.String("incoming", string(next)),
		)
		return domain.WebhookProcessed, "payment status not newer", nil
	}

	fields := map[string]any{
		"payment_status":         next,
		"mercadopago_payment_id": payment.ID.String(),
	}
	if next == domain.PaymentPaid && order.Status == domain.OrderPending {
		fields["status"] = domain.OrderProcessing
	}
	updated, applied, err := s.orders.AdvancePaymentStatus(ctx, order.ID, next.Below(), fields)
	if err != nil {
		return "", "", err
	}
	if !applied {
		log.Info("payment status changed concurrently, skipped", zap.String("incoming", string(next)))
		return domain.WebhookProcessed, "payment status not newer", nil
	}

	log.Info("order payment updated",
		zap.String("from", string(order.PaymentStatus)),
		zap.String("to", string(next)),
	)

	if next == domain.PaymentPaid {
		if err := s.notifier.OrderConfirmed(ctx, updated); err != nil {
			log.Warn("order confirmation email failed", zap.Error(err))
		}
	}
	return domain.WebhookProcessed, "order payment " + string(next), nil
}
