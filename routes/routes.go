package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/llm-failover/app"
	"github.com/upb/llm-failover/handlers"
	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/utils"
)

// requestTimeout bounds non-streaming requests
const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	healthHandler := handlers.NewHealthHandler(db, deps.Monitor, deps.Logger)
	inferenceHandler := handlers.NewInferenceHandler(deps.Factory, deps.Logger).
		WithStreamTimeout(deps.Config.Server.StreamTimeout)
	providerHandler := handlers.NewProviderHandler(deps.Monitor, deps.Failover, deps.Factory, deps.ProviderConfig, deps.Logger)
	costHandler := handlers.NewCostHandler(deps.Costs, deps.Factory, deps.Logger)
	alertHandler := handlers.NewAlertHandler(deps.Alerts.Alerts(), deps.Logger)
	usageHandler := handlers.NewUsageHandler(deps.Usage, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	if deps.Prometheus != nil {
		r.Handle("/metrics", deps.Prometheus.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Streaming responses outlive the request timeout and the server WriteTimeout
		r.Post("/inference/stream", inferenceHandler.HandleStream)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))

			r.Post("/inference/chat", inferenceHandler.HandleChat)

			r.Get("/providers/status", providerHandler.HandleStatus)
			r.Get("/providers/states", providerHandler.HandleStates)
			r.Get("/failover/events", providerHandler.HandleEvents)

			r.Get("/costs/compare", costHandler.HandleCompare)
			r.Get("/costs/slots", costHandler.HandleSlots)
			r.Get("/costs/report", costHandler.HandleReport)
		})

		// Operator actions
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(deps.Config.Auth.OperatorRole))

			r.Get("/alerts/stream", alertHandler.HandleStream)

			r.Group(func(r chi.Router) {
				r.Use(chimw.Timeout(requestTimeout))
				r.Post("/providers/switch", providerHandler.HandleSwitch)
				r.Post("/providers/{backend}/test", providerHandler.HandleTest)
				r.Post("/failover/manual", providerHandler.HandleManualFailover)
				r.Get("/usage/recent", usageHandler.HandleRecent)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	return r
}
