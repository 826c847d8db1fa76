package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/handlers"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/utils"
)

const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "https://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{
			"X-Request-ID",
			handlers.HeaderTraceID,
			handlers.HeaderEffectiveModel,
			handlers.HeaderCache,
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/health/ready", deps.HealthHandler.HandleReadiness)

	if deps.Config == nil || deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.Post("/chat/completions", deps.ChatHandler.HandleChatCompletion)

		// Governance administration (require admin role)
		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAdmin)
			r.Post("/trust/amnesty", deps.AdminHandler.HandleAmnesty)
			r.Post("/trust/adjust", deps.AdminHandler.HandleAdjustTrust)
			r.Post("/wallets/topup", deps.AdminHandler.HandleTopUp)
			r.Post("/wallets/limit", deps.AdminHandler.HandleSetMonthlyLimit)
			r.Post("/kill-switch", deps.AdminHandler.HandleKillSwitch)
			r.Post("/unfreeze", deps.AdminHandler.HandleUnfreeze)
			r.Post("/policies", deps.AdminHandler.HandleCreatePolicy)
			r.Get("/ledger/verify", deps.AdminHandler.HandleVerifyLedger)
			r.Post("/dlq/{kind}/replay", deps.AdminHandler.HandleReplayDeadLetters)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusNotFound, services.CodeNotFound, "endpoint not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, services.CodeInvalidRequest, "method not allowed", nil)
	})

	return r
}
