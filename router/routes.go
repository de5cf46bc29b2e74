package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/paygate-io/paygate/handler"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/infra/middle"
	"github.com/paygate-io/paygate/infra/response"
)

// Handlers carries the constructed handler set mounted by the route table.
type Handlers struct {
	Payment  *handler.PaymentHandler
	Webhook  *handler.WebhookHandler
	Provider *handler.ProviderHandler
	Health   *handler.HealthHandler
}

// New assembles the HTTP surface: middleware chain, payment API, webhook
// intake, provider admin, health probes and metrics.
func New(h Handlers) chi.Router {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Security middleware
	r.Use(middle.SecurityHeadersMiddleware())
	r.Use(middle.IPWhitelistMiddleware())
	r.Use(middle.RateLimitMiddleware(middle.NewRateLimiter()))
	r.Use(middle.RequestValidationMiddleware())
	r.Use(middle.RequestLoggingMiddleware())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Correlation-Id", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Probes and metrics sit outside /v1 so infrastructure can reach them
	// without API versioning.
	r.Get("/health", h.Health.Liveness)
	r.Get("/health/ready", h.Health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Webhook intake; providers sign the raw body, so no auth layer here.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/{provider}", h.Webhook.Receive)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.Payment.SubmitPayment)
			r.Get("/{transactionId}", h.Payment.GetPayment)
			r.Post("/{transactionId}/refunds", h.Payment.SubmitRefund)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.Provider.ListProviders)
			r.Post("/", h.Provider.CreateProvider)
			r.Put("/{name}", h.Provider.UpdateProvider)
			r.Delete("/{name}", h.Provider.DeleteProvider)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
	})

	return r
}
