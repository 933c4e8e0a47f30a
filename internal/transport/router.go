package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/internal/idempotency"
	"github.com/pitabwire/workorder/internal/notify"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/internal/workorder"
	"github.com/pitabwire/workorder/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// Idempotency may be nil, which disables Idempotency-Key handling.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Registry           *definition.Registry
	Engine             *workorder.Engine
	Notifications      *notify.Admin
	Idempotency        idempotency.Store
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness and metrics bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if cfg.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Handle(metricsPath(cfg), observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Get("/processes", handleListProcesses(deps.Registry))
		r.Get("/processes/{processId}", handleGetProcess(deps.Registry))

		r.Route("/workorders", func(r chi.Router) {
			r.With(RequireCapability(model.CapWorkorderCreate, model.CapWorkorderAdmin)).
				Post("/", handleCreateWorkorder(deps.Engine))
			r.Get("/", handleListWorkorders(deps.Engine))

			r.Route("/{instanceId}", func(r chi.Router) {
				r.Get("/", handleGetWorkorder(deps.Engine))
				r.Patch("/", handleUpdateWorkorder(deps.Engine))
				r.Delete("/", handleDeleteWorkorder(deps.Engine))
				r.Post("/transitions", handleTransition(deps.Engine, deps.Idempotency,
					cfg.Idempotency.DefaultTTL, deps.Metrics))
				r.Get("/actions", handleAvailableActions(deps.Engine))
				r.Post("/comments", handleComment(deps.Engine))
				r.Get("/flow-log", handleFlowLog(deps.Engine))
				r.Get("/timeline", handleTimeline(deps.Engine))
				r.Get("/replay", handleReplay(deps.Engine))
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapNotificationAdmin))

			r.Route("/notification-configs", func(r chi.Router) {
				r.Get("/", handleListConfigs(deps.Notifications))
				r.Post("/", handleCreateConfig(deps.Notifications))
				r.Get("/{configId}", handleGetConfig(deps.Notifications))
				r.Put("/{configId}", handleUpdateConfig(deps.Notifications))
				r.Delete("/{configId}", handleDeleteConfig(deps.Notifications))
				r.Post("/{configId}/test-send", handleTestSend(deps.Notifications))
			})
			r.Post("/notifications/send", handleSendNow(deps.Notifications))
			r.Get("/notifications/queue", handleListQueue(deps.Notifications))
			r.Get("/notifications/logs", handleListLogs(deps.Notifications))
		})
	})

	return r
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability.Metrics.Path != "" {
		return cfg.Observability.Metrics.Path
	}
	return "/metrics"
}
