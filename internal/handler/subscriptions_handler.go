package handler

import (
	"context"
	"net/http"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Subscriptions
// POST /api/subscriptions
// GET  /api/subscriptions
// GET  /api/subscriptions/{id}
// GET  /api/subscriptions/{id}/billing
// POST /api/subscriptions/activate
// POST /api/subscriptions/{id}/pause|resume|cancel|sync
// ============================================================

func createSubscriptionHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.CreateSubscription")
		defer span.End()

		var req domain.CreateSubscriptionRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		sub, err := svc.Create(ctx, CallerFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int64("subscription.id", sub.ID))
		writeJSON(w, http.StatusCreated, sub)
	}
}

func listSubscriptionsHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.ListSubscriptions")
		defer span.End()

		subs, err := svc.ListForUser(ctx, CallerFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if subs == nil {
			subs = []domain.Subscription{}
		}
		writeJSON(w, http.StatusOK, subs)
	}
}

func getSubscriptionHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.GetSubscription")
		defer span.End()

		id, err := pathID(r, "id")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		sub, err := svc.Get(ctx, CallerFromContext(ctx), id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

func billingHistoryHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.BillingHistory")
		defer span.End()

		id, err := pathID(r, "id")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		records, err := svc.BillingHistory(ctx, CallerFromContext(ctx), id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if records == nil {
			records = []domain.BillingRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func activateSubscriptionHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.ActivateSubscription")
		defer span.End()

		var req domain.ActivateSubscriptionRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		res, err := svc.Activate(ctx, CallerFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// subscriptionActionHandler serves pause, resume and cancel.
func subscriptionActionHandler(name string, change func(context.Context, domain.Caller, int64) (*domain.Subscription, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler."+name+"Subscription")
		defer span.End()

		id, err := pathID(r, "id")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		sub, err := change(ctx, CallerFromContext(ctx), id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

func syncSubscriptionHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.SyncSubscription")
		defer span.End()

		id, err := pathID(r, "id")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		res, err := svc.Sync(ctx, CallerFromContext(ctx), id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
