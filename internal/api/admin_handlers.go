package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/pulse-sso/internal/auth"
	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/orgs"
	"github.com/rcourtman/pulse-sso/internal/rbac"
	"github.com/rcourtman/pulse-sso/pkg/audit"
	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping() error
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(deps ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, d := range deps {
			if d == nil {
				continue
			}
			if err := d.Ping(); err != nil {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type entitlementsResponse struct {
	OrgID    string             `json:"org_id"`
	Snapshot licensing.Snapshot `json:"entitlements"`
}

// HandleGetEntitlements returns the organization's entitlement snapshot.
// Route: GET /api/orgs/{org_id}/entitlements
func HandleGetEntitlements(source licensing.EntitlementSource, authz auth.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDFrom(w, r)
		if !ok {
			return
		}
		if err := authz.Check(r.Context(), orgID, auth.GetUser(r.Context()), rbac.ActionRead, rbac.SubjectBilling); err != nil {
			writeError(w, r, err)
			return
		}
		snapshot, err := source.Entitlements(r.Context(), orgID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entitlementsResponse{OrgID: orgID, Snapshot: snapshot})
	}
}

// HandlePutBilling replaces an organization's billing state and drops any
// cached snapshot for it.
// Route: PUT /admin/orgs/{org_id}/billing
func HandlePutBilling(store licensing.BillingStore, onChange func(orgID string), auditLog audit.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDFrom(w, r)
		if !ok {
			return
		}
		var state licensing.BillingState
		if err := decodeJSON(w, r, &state); err != nil {
			return
		}
		if raw := strings.TrimSpace(string(state.Tier)); raw != "" && !licensing.IsValidTier(licensing.Tier(strings.ToLower(raw))) {
			writeError(w, r, ierrors.Invalid("unknown tier %q", state.Tier))
			return
		}
		normalized := licensing.NormalizeBillingState(&state)

		err := store.SaveBillingState(r.Context(), orgID, normalized)
		audit.Record(auditLog, auditEvent(r, audit.EventBillingChange, orgID, err == nil,
			fmt.Sprintf("tier=%s status=%s", normalized.Tier, normalized.SubscriptionState)))
		if err != nil {
			writeError(w, r, ierrors.NewIOError("billing.save", orgID, err))
			return
		}
		if onChange != nil {
			onChange(orgID)
		}
		writeJSON(w, http.StatusOK, entitlementsResponse{OrgID: orgID, Snapshot: normalized.ToSnapshot(time.Now())})
	}
}

type setRoleRequest struct {
	Role string `json:"role"`
}

// HandlePutMember sets a user's role in an organization.
// Route: PUT /admin/orgs/{org_id}/members/{user_id}
func HandlePutMember(members *orgs.Registry, auditLog audit.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDFrom(w, r)
		if !ok {
			return
		}
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeError(w, r, ierrors.Invalid("missing user_id"))
			return
		}
		var req setRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		role, err := rbac.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, err)
			return
		}

		member, err := members.SetRole(r.Context(), orgID, userID, role)
		audit.Record(auditLog, auditEvent(r, audit.EventMembershipChange, orgID, err == nil,
			fmt.Sprintf("user=%s role=%s", userID, role)))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
	}
}

func auditEvent(r *http.Request, eventType, orgID string, success bool, details string) audit.Event {
	event := audit.NewEvent(eventType, orgID, auth.GetUser(r.Context()), success, details)
	event.IP = clientIP(r)
	event.Path = r.URL.Path
	return event
}
