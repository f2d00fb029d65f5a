package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/pulse-sso/internal/auth"
	"github.com/rcourtman/pulse-sso/internal/orgs"
	"github.com/rcourtman/pulse-sso/internal/workflow"
	"github.com/rcourtman/pulse-sso/pkg/audit"
	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	AdminKey     string
	RateLimit    int // mutating requests per minute per IP
	Workflow     *workflow.Workflow
	Entitlements licensing.EntitlementSource
	Authorizer   auth.Authorizer
	BillingStore licensing.BillingStore
	Members      *orgs.Registry
	Metadata     MetadataSource // nil disables fetching by URL
	AuditLog     audit.Logger

	// OnBillingChange runs after an admin billing update, typically to
	// invalidate cached snapshots.
	OnBillingChange func(orgID string)

	Ready []Pinger
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.AdminKey, next)
	}
	limiter := NewRateLimiter(deps.RateLimit, time.Minute)
	handle := func(pattern, route string, h http.Handler) {
		mux.Handle(pattern, instrument(route, h))
	}
	mutating := func(h http.HandlerFunc) http.Handler {
		return limiter.Middleware(h)
	}
	authz := deps.Authorizer
	if authz == nil {
		authz = auth.AllowAll{}
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.Ready...))
	mux.Handle("GET /metrics", adminAuth(promhttp.Handler()))

	handle("GET /api/orgs/{org_id}/entitlements", "entitlements.get",
		HandleGetEntitlements(deps.Entitlements, authz))

	handle("GET /api/orgs/{org_id}/sso", "sso.get", HandleGetSSO(deps.Workflow))
	handle("POST /api/orgs/{org_id}/sso/setup", "sso.setup", mutating(HandleSetupSSO(deps.Workflow)))
	handle("PATCH /api/orgs/{org_id}/sso", "sso.update", mutating(HandleUpdateSSO(deps.Workflow)))
	handle("PUT /api/orgs/{org_id}/sso/active", "sso.toggle", mutating(HandleToggleSSO(deps.Workflow)))
	handle("POST /api/orgs/{org_id}/sso/metadata", "sso.metadata", mutating(HandleImportMetadata(deps.Workflow, deps.Metadata)))

	// Called by the SAML login flow, not by end users.
	handle("POST /api/orgs/{org_id}/sso/login", "sso.login", adminAuth(HandleRecordLogin(deps.Workflow)))

	// Admin API (key-authenticated)
	handle("PUT /admin/orgs/{org_id}/billing", "admin.billing",
		adminAuth(HandlePutBilling(deps.BillingStore, deps.OnBillingChange, deps.AuditLog)))
	handle("PUT /admin/orgs/{org_id}/members/{user_id}", "admin.members",
		adminAuth(HandlePutMember(deps.Members, deps.AuditLog)))
}
