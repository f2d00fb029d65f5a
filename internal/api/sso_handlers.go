package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/rcourtman/pulse-sso/internal/auth"
	"github.com/rcourtman/pulse-sso/internal/config"
	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/sso"
	"github.com/rcourtman/pulse-sso/internal/workflow"
)

// MetadataSource fetches IdP metadata by URL.
type MetadataSource interface {
	Fetch(ctx context.Context, metadataURL string) (*sso.IdPMetadata, error)
}

func orgIDFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := strings.TrimSpace(r.PathValue("org_id"))
	if !config.IsValidOrgID(orgID) {
		writeError(w, r, ierrors.Invalid("invalid org_id"))
		return "", false
	}
	return orgID, true
}

func openSession(w http.ResponseWriter, r *http.Request, wf *workflow.Workflow) (*workflow.Session, bool) {
	orgID, ok := orgIDFrom(w, r)
	if !ok {
		return nil, false
	}
	s, err := wf.Open(r.Context(), orgID, auth.GetUser(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func respondSession(w http.ResponseWriter, r *http.Request, s *workflow.Session, err error) {
	view := s.View()
	if err != nil {
		writeErrorView(w, r, err, &view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleGetSSO returns the SSO section view.
// Route: GET /api/orgs/{org_id}/sso
func HandleGetSSO(wf *workflow.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, r, wf)
		if !ok {
			return
		}
		respondSession(w, r, s, nil)
	}
}

// HandleSetupSSO runs the "set up SAML SSO" action.
// Route: POST /api/orgs/{org_id}/sso/setup
func HandleSetupSSO(wf *workflow.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, r, wf)
		if !ok {
			return
		}
		respondSession(w, r, s, s.RequestSetup(r.Context()))
	}
}

type updateSSORequest struct {
	AuthProvider *string `json:"auth_provider"`
	IsActive     *bool   `json:"is_active"`
	EntryPoint   *string `json:"entry_point"`
	Issuer       *string `json:"issuer"`
	Cert         *string `json:"cert"`
}

func (req updateSSORequest) patch() (sso.Patch, error) {
	p := sso.Patch{
		IsActive:   req.IsActive,
		EntryPoint: req.EntryPoint,
		Issuer:     req.Issuer,
		Cert:       req.Cert,
	}
	if req.AuthProvider != nil {
		provider, err := sso.ParseProvider(*req.AuthProvider)
		if err != nil {
			return sso.Patch{}, err
		}
		p.AuthProvider = &provider
	}
	return p, nil
}

// HandleUpdateSSO opens the editor (seeding if needed) and saves the patch.
// Route: PATCH /api/orgs/{org_id}/sso
func HandleUpdateSSO(wf *workflow.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateSSORequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		patch, err := req.patch()
		if err != nil {
			writeError(w, r, err)
			return
		}

		s, ok := openSession(w, r, wf)
		if !ok {
			return
		}
		if err := s.RequestSetup(r.Context()); err != nil {
			respondSession(w, r, s, err)
			return
		}
		respondSession(w, r, s, s.Save(r.Context(), patch))
	}
}

type toggleRequest struct {
	IsActive *bool `json:"is_active"`
}

// HandleToggleSSO flips the active switch.
// Route: PUT /api/orgs/{org_id}/sso/active
func HandleToggleSSO(wf *workflow.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		if req.IsActive == nil {
			writeError(w, r, ierrors.Invalid("is_active is required"))
			return
		}

		s, ok := openSession(w, r, wf)
		if !ok {
			return
		}
		respondSession(w, r, s, s.Toggle(r.Context(), *req.IsActive))
	}
}

type metadataRequest struct {
	URL string `json:"url"`
	XML string `json:"xml"`
}

// HandleImportMetadata fills entry point, issuer and certificate from IdP
// metadata given inline or by URL.
// Route: POST /api/orgs/{org_id}/sso/metadata
func HandleImportMetadata(wf *workflow.Workflow, fetcher MetadataSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req metadataRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}

		s, ok := openSession(w, r, wf)
		if !ok {
			return
		}

		var md *sso.IdPMetadata
		var err error
		switch {
		case strings.TrimSpace(req.XML) != "":
			md, err = sso.ParseIdPMetadata([]byte(req.XML))
		case strings.TrimSpace(req.URL) != "":
			if fetcher == nil {
				err = ierrors.Invalid("metadata fetching is disabled")
				break
			}
			md, err = fetcher.Fetch(r.Context(), req.URL)
		default:
			err = ierrors.Invalid("url or xml is required")
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := s.RequestSetup(r.Context()); err != nil {
			respondSession(w, r, s, err)
			return
		}
		respondSession(w, r, s, s.ImportMetadata(r.Context(), md))
	}
}

// HandleRecordLogin records a successful SSO login for the organization.
// Route: POST /api/orgs/{org_id}/sso/login
func HandleRecordLogin(wf *workflow.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDFrom(w, r)
		if !ok {
			return
		}
		view, err := wf.RecordLogin(r.Context(), orgID, auth.GetUser(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}
