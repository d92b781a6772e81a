package routes

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/upb/paygate/app"
	"github.com/upb/paygate/auth"
	"github.com/upb/paygate/middleware"
	"github.com/upb/paygate/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) (http.Handler, error) {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			deps.Config.Gateway.SubjectHeader, deps.Config.Gateway.AmountHeader},
		ExposedHeaders: []string{"X-Request-ID", middleware.HeaderDecision,
			middleware.HeaderPolicyID, middleware.HeaderDecisionReason},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Operator API (require admin role)
	r.Route("/admin", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.RequireRole(auth.RoleAdmin))
		r.Get("/policies", deps.AdminHandler.ListPolicies)
		r.Post("/policies/reload", deps.AdminHandler.ReloadPolicies)
		r.Get("/policies/{id}", deps.AdminHandler.GetPolicy)
		r.Get("/warnings", deps.AdminHandler.ListWarnings)
		r.Get("/usage", deps.AdminHandler.ListUsage)
		r.Get("/audit", deps.AdminHandler.AuditStatus)
	})

	// Everything else is gated by the policy engine
	upstream, err := upstreamHandler(deps.Config.Gateway.UpstreamURL, deps.Logger)
	if err != nil {
		return nil, err
	}
	r.Handle("/*", deps.AdmissionMiddleware.Admit(upstream))

	return r, nil
}

// upstreamHandler proxies admitted requests to rawURL. Without an upstream,
// admitted requests are answered with 204 so the gateway can run as a pure
// admission check.
func upstreamHandler(rawURL string, logger *zap.Logger) (http.Handler, error) {
	if rawURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			utils.WriteNoContent(w)
		}), nil
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway","message":"Upstream unavailable"}`))
	}
	return proxy, nil
}
