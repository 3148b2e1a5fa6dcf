/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     slog request line (method, route, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count/latency by route pattern
  6. CORS:       Cross-origin requests for the dashboard and diner app

  Presentation and redemption routes additionally pass through the
  per-client rate limiter.

ROUTE GROUPS:
  /api/merchants/{merchantID}/*   Till and dashboard operations
  /api/diners/{dinerID}/*         Diner app operations
  /api/scenarios/*                Demo scenarios
  /metrics                        Prometheus scrape endpoint
  /healthz                        Liveness + store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HTTPMetrics instruments requests and serves the scrape endpoint.
type HTTPMetrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// RouterOptions configures cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimit      RateLimit
	Metrics        HTTPMetrics // optional
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	limited := NewRateLimiter(opts.RateLimit).Middleware

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Merchant routes
		r.Route("/merchants/{merchantID}", func(r chi.Router) {
			r.Post("/transactions", h.RecordTransaction)
			r.With(limited).Post("/redemptions", h.RedeemCode)
			r.Post("/reconciliations", h.UploadSettlement)
			r.Get("/reconciliations", h.ListBatches)
			r.Get("/reconciliations/{batchID}", h.GetBatch)
			r.Patch("/settings", h.UpdateSettings)
		})

		// Diner routes
		r.Route("/diners/{dinerID}", func(r chi.Router) {
			r.Delete("/", h.DeleteDiner)
			r.Get("/balances", h.ListBalances)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/vouchers", h.ListVouchers)
			r.Post("/vouchers", h.RedeemCredit)
			r.With(limited).Post("/vouchers/{voucherID}/present", h.PresentVoucher)
			r.Get("/presentation", h.GetPresentation)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
