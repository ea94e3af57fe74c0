package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups what the router serves.
type Services struct {
	Subscriptions *service.SubscriptionService
	Orders        *service.OrderService
	Webhooks      *service.WebhookService
	Auth          *Authenticator
	// Health maps a dependency name to its probe.
	Health map[string]Pinger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, allowedOrigins []string, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Health))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {

		// =============================================
		// MercadoPago notifications (signed, no JWT)
		// =============================================
		r.Post("/mercadopago/webhook", mercadopagoWebhookHandler(svc.Webhooks, logger))
		r.Post("/webhooks/mercadopago", mercadopagoWebhookHandler(svc.Webhooks, logger))

		r.Group(func(r chi.Router) {
			if svc.Auth != nil {
				r.Use(svc.Auth.RequireUser)
			}

			// =============================================
			// Orders
			// =============================================
			r.Post("/orders", createOrderHandler(svc.Orders, logger))
			r.Get("/orders/{orderId}", getOrderHandler(svc.Orders, logger))

			// =============================================
			// Subscriptions
			// =============================================
			r.Post("/subscriptions", createSubscriptionHandler(svc.Subscriptions, logger))
			r.Get("/subscriptions", listSubscriptionsHandler(svc.Subscriptions, logger))
			r.Post("/subscriptions/activate", activateSubscriptionHandler(svc.Subscriptions, logger))
			r.Get("/subscriptions/{id}", getSubscriptionHandler(svc.Subscriptions, logger))
			r.Get("/subscriptions/{id}/billing", billingHistoryHandler(svc.Subscriptions, logger))
			r.Post("/subscriptions/{id}/pause", subscriptionActionHandler("Pause", svc.Subscriptions.Pause, logger))
			r.Post("/subscriptions/{id}/resume", subscriptionActionHandler("Resume", svc.Subscriptions.Resume, logger))
			r.Post("/subscriptions/{id}/cancel", subscriptionActionHandler("Cancel", svc.Subscriptions.Cancel, logger))
			r.Post("/subscriptions/{id}/sync", syncSubscriptionHandler(svc.Subscriptions, logger))

			// =============================================
			// Admin
			// =============================================
			r.Route("/admin", func(r chi.Router) {
				if svc.Auth != nil {
					r.Use(svc.Auth.RequireAdmin)
				}
				r.Post("/sync-subscriptions", syncAllHandler(svc.Subscriptions, logger))
				r.Get("/subscriptions", adminListSubscriptionsHandler(svc.Subscriptions, logger))
				r.Get("/webhook-logs", webhookLogsHandler(svc.Webhooks, logger))
				r.Get("/stats", statsHandler(metrics))
			})
		})
	})

	return r
}

func healthzHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "storefront-api", Status: "healthy", LastChecked: now},
		}
		for name, dep := range deps {
			start := time.Now()
			status := "healthy"
			if err := dep.Ping(ctx); err != nil {
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: name, Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overall := "healthy"
		for _, s := range services {
			if s.Status != "healthy" {
				overall = "degraded"
				break
			}
		}
		writeJSON(w, http.StatusOK, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
