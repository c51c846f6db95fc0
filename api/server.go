/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging through zerolog
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Security headers (unrolled/secure)
  6. CORS:       Cross-origin requests for the ops console
  7. Timeout:    Request deadline

  The compute endpoint is additionally rate limited per client IP, since
  each call replays a customer's ledger.

ROUTE GROUPS:
  /healthz              Liveness and store ping
  /metrics              Prometheus
  /api/contracts/*      Contracts
  /api/billings/*       Billing documents, runs and charges
  /api/ledger/*         Stock movement ingestion
  /api/customers/*      Stock positions
  /api/scenarios/*      Demo scenarios (not mounted in production)

SECURITY NOTE:
  No authentication middleware. Deploy behind the gateway that
  authenticates operators.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"
)

// RouterOptions configures NewRouter. Zero values are usable.
type RouterOptions struct {
	CORSOrigins []string
	// ComputeRateLimit is compute calls per minute per client IP.
	ComputeRateLimit int
	RequestTimeout   time.Duration
	Production       bool
	// Metrics serves /metrics; defaults to the global Prometheus registry.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.ComputeRateLimit <= 0 {
		opts.ComputeRateLimit = 30
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        opts.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !opts.Production,
	})

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(secureMiddleware.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", opts.Metrics)

	computeLimit := httprate.Limit(opts.ComputeRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
		})

		r.Route("/billings", func(r chi.Router) {
			r.Get("/", h.ListBillings)
			r.Post("/", h.CreateBilling)
			r.Get("/{id}", h.GetBilling)
			r.With(computeLimit).Post("/{id}/compute", h.ComputeCharges)
			r.Post("/{id}/enqueue", h.EnqueueCompute)
			r.Get("/{id}/charges", h.GetCharges)
			r.Get("/{id}/runs", h.ListRuns)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/entries", h.ListEntries)
			r.Post("/entries", h.AppendEntries)
		})

		r.Get("/customers/{id}/balance", h.GetBalance)

		if !opts.Production {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
