package subscriptions

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/entitlement-sync/internal/logging"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/revenuecat"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config *Config
	Engine *engine.Engine
	Jobs   JobRunner
	DB     Pinger

	// Optional; defaults are built when nil.
	WebhookLimiter *RateLimiter
	ClientLimiter  *RateLimiter
}

// NewHandler returns the service's HTTP handler.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return withRequestID(logging.New("http"), securityHeaders(mux))
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	webhookLimiter := deps.WebhookLimiter
	if webhookLimiter == nil {
		webhookLimiter = NewRateLimiter(120, time.Minute)
	}
	clientLimiter := deps.ClientLimiter
	if clientLimiter == nil {
		clientLimiter = NewRateLimiter(600, time.Minute)
	}
	client := func(h http.HandlerFunc) http.Handler {
		return clientLimiter.Middleware(requireUser(h))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.DB))
	mux.Handle("GET /metrics", adminAuth(promhttp.Handler()))

	// RevenueCat webhook (shared-secret authenticated)
	webhook := revenuecat.NewWebhookHandler(deps.Config.RevenueCatWebhookSecret, deps.Engine)
	mux.Handle("/api/v1/webhooks/revenuecat", webhookLimiter.Middleware(webhook))

	// Client API (user id from the gateway)
	mux.Handle("POST /api/v1/subscription/purchase", client(handlePurchase(deps.Engine)))
	mux.Handle("POST /api/v1/subscription/restore", client(handleRestore(deps.Engine)))
	mux.Handle("POST /api/v1/subscription/cancel", client(handleCancel(deps.Engine)))
	mux.Handle("GET /api/v1/subscription/status", client(handleStatus(deps.Engine)))
	mux.Handle("GET /api/v1/subscription/packages", client(handlePackages(deps.Engine)))
	mux.Handle("GET /api/v1/features/all", client(handleAllFeatures(deps.Engine)))
	mux.Handle("GET /api/v1/features/{feature}", client(handleFeature(deps.Engine)))

	// Admin API (key-authenticated)
	mux.Handle("GET /api/v1/admin/users/{user_id}", adminAuth(handleAdminState(deps.Engine)))
	mux.Handle("GET /api/v1/admin/users/{user_id}/events", adminAuth(handleAdminEvents(deps.Engine)))
	mux.Handle("GET /api/v1/admin/users/{user_id}/history", adminAuth(handleAdminHistory(deps.Engine)))
	mux.Handle("POST /api/v1/admin/users/{user_id}/sync", adminAuth(handleAdminSync(deps.Engine)))
	mux.Handle("POST /api/v1/admin/jobs/{job}", adminAuth(handleRunJob(deps.Jobs)))
}
