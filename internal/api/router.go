// Package api exposes the entitlement engine over HTTP.
package api

import (
	"net/http"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

// RouterConfig wires the router to its dependencies.
type RouterConfig struct {
	Directory *entitlement.Directory
	// StripeWebhookSecret empty disables the webhook endpoint (503).
	StripeWebhookSecret string
	Version             string
}

// Router serves the per-user engine endpoints.
type Router struct {
	dir     *entitlement.Directory
	version string
	mux     *http.ServeMux
}

// NewRouter builds the handler tree, wrapped in ErrorHandler.
func NewRouter(cfg RouterConfig) http.Handler {
	r := &Router{
		dir:     cfg.Directory,
		version: cfg.Version,
		mux:     http.NewServeMux(),
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)

	r.mux.HandleFunc("GET /api/users/{id}/status", r.withEngine(r.handleStatus))
	r.mux.HandleFunc("GET /api/users/{id}/snapshot", r.withEngine(r.handleSnapshot))
	r.mux.HandleFunc("GET /api/users/{id}/quota", r.withEngine(r.handleQuota))
	r.mux.HandleFunc("POST /api/users/{id}/usage", r.withEngine(r.handleRecordUsage))
	r.mux.HandleFunc("GET /api/users/{id}/paywall", r.withEngine(r.handlePaywall))
	r.mux.HandleFunc("GET /api/users/{id}/trial", r.withEngine(r.handleTrial))
	r.mux.HandleFunc("POST /api/users/{id}/trial", r.withEngine(r.handleStartTrial))
	r.mux.HandleFunc("POST /api/users/{id}/purchase", r.withEngine(r.handlePurchase))
	r.mux.HandleFunc("POST /api/users/{id}/restore", r.withEngine(r.handleRestore))
	r.mux.HandleFunc("DELETE /api/users/{id}/state", r.withEngine(r.handleReset))

	r.mux.Handle("POST /webhooks/stripe", NewStripeWebhookHandler(cfg.StripeWebhookSecret, cfg.Directory))

	return ErrorHandler(r.mux)
}

type engineHandler func(w http.ResponseWriter, req *http.Request, e *entitlement.Engine)

func (r *Router) withEngine(h engineHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		e, err := r.dir.For(req.PathValue("id"))
		if err != nil {
			writeErrorResponse(w, req, http.StatusBadRequest, "invalid_user_id", "User id is missing or malformed", nil)
			return
		}
		h(w, req, e)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": r.version})
}
