package handler

import (
	"net/http"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Orders
// POST /api/orders
// GET  /api/orders/{orderId}
// ============================================================

func createOrderHandler(svc *service.OrderService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.CreateOrder")
		defer span.End()

		var req domain.CreateOrderRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		resp, err := svc.Create(ctx, CallerFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int64("order.id", resp.Order.ID))
		writeJSON(w, http.StatusCreated, resp)
	}
}

func getOrderHandler(svc *service.OrderService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.GetOrder")
		defer span.End()

		id, err := pathID(r, "orderId")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		order, err := svc.Get(ctx, CallerFromContext(ctx), id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}
