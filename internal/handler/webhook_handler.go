package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// ============================================================
// MercadoPago webhook
// POST /api/mercadopago/webhook
// POST /api/webhooks/mercadopago
// ============================================================

// mercadopagoWebhookHandler accepts both JSON webhooks and legacy IPN
// deliveries (?topic=payment&id=123). A non-2xx answer makes MercadoPago
// retry, so only failed processing returns 500.
func mercadopagoWebhookHandler(svc *service.WebhookService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "Handler.MercadoPagoWebhook")
		defer span.End()

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}

		n, err := parseNotification(r, payload)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		if isLegacyIPN(r) {
			// IPN deliveries are never signed. Only the resource id is
			// trusted; its state is always fetched back from MercadoPago.
			logger.Info("legacy IPN delivery accepted without signature",
				zap.String("topic", r.URL.Query().Get("topic")),
				zap.String("data_id", n.Data.ID.String()),
			)
		} else {
			// The signed manifest uses the data.id query parameter when present.
			dataID := r.URL.Query().Get("data.id")
			if dataID == "" {
				dataID = n.Data.ID.String()
			}
			if err := svc.VerifySignature(r.Header.Get("x-signature"), r.Header.Get("x-request-id"), dataID); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}

		if len(payload) == 0 {
			payload = nil
		}
		res, err := svc.Handle(ctx, n, payload)
		if err != nil {
			var validation *domain.ErrValidation
			if errors.As(err, &validation) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logger.Error("webhook delivery failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// parseNotification merges the JSON body with the query string forms
// MercadoPago uses for IPN and webhook deliveries.
func parseNotification(r *http.Request, payload []byte) (*domain.WebhookNotification, error) {
	var n domain.WebhookNotification
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, &domain.ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
		}
	}

	q := r.URL.Query()
	if n.Type == "" {
		n.Type = q.Get("type")
	}
	if n.Type == "" {
		n.Type = q.Get("topic")
	}
	if n.Data.ID == "" {
		n.Data.ID = domain.FlexID(q.Get("data.id"))
	}
	if n.Data.ID == "" {
		n.Data.ID = domain.FlexID(q.Get("id"))
	}
	return &n, nil
}

// isLegacyIPN reports an unsigned IPN delivery (?topic=payment&id=123).
func isLegacyIPN(r *http.Request) bool {
	return r.Header.Get("x-signature") == "" && r.URL.Query().Get("topic") != ""
}
