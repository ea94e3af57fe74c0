package handler

import (
	"net/http"
	"strconv"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Admin
// POST /api/admin/sync-subscriptions
// GET  /api/admin/subscriptions
// GET  /api/admin/webhook-logs
// GET  /api/admin/stats
// ============================================================

type syncRequest struct {
	Statuses []domain.SubscriptionStatus `json:"statuses"`
	Limit    int                         `json:"limit"`
}

func syncAllHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.SyncAllSubscriptions")
		defer span.End()

		var req syncRequest
		if r.ContentLength > 0 {
			if err := decodeBody(r, &req); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}
		if len(req.Statuses) == 0 {
			req.Statuses = parseStatuses(r)
		}
		if req.Limit == 0 {
			req.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		}

		report, err := svc.SyncAll(ctx, domain.SubscriptionFilter{Statuses: req.Statuses, Limit: req.Limit})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int("sync.scanned", report.Scanned))
		logger.Info("admin bulk sync finished",
			zap.String("user_id", CallerFromContext(ctx).UserID),
			zap.Int("scanned", report.Scanned),
			zap.Any("actions", report.Actions),
		)
		writeJSON(w, http.StatusOK, report)
	}
}

func adminListSubscriptionsHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.AdminListSubscriptions")
		defer span.End()

		page, pageSize := parsePagination(r)
		subs, err := svc.List(ctx, domain.SubscriptionFilter{
			Statuses: parseStatuses(r),
			Limit:    pageSize + 1,
			Offset:   (page - 1) * pageSize,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, paginate(subs, page, pageSize))
	}
}

func webhookLogsHandler(svc *service.WebhookService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.WebhookLogs")
		defer span.End()

		page, pageSize := parsePagination(r)
		logs, err := svc.ListLogs(ctx, r.URL.Query().Get("status"), pageSize+1, (page-1)*pageSize)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, paginate(logs, page, pageSize))
	}
}

func statsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

// paginate trims the look-ahead row fetched to detect a next page.
func paginate[T any](rows []T, page, pageSize int) domain.ListResponse[T] {
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []T{}
	}
	return domain.ListResponse[T]{Data: rows, Page: page, PageSize: pageSize, HasMore: hasMore}
}
