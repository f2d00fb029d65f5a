// Package workflow drives the entitlement-gated SSO configuration
// lifecycle: seed once, edit, toggle.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sso/internal/auth"
	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/metrics"
	"github.com/rcourtman/pulse-sso/internal/notifications"
	"github.com/rcourtman/pulse-sso/internal/rbac"
	"github.com/rcourtman/pulse-sso/internal/sso"
	"github.com/rcourtman/pulse-sso/pkg/audit"
	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

const defaultMutationTimeout = 30 * time.Second

// Workflow holds the collaborators shared by every session.
type Workflow struct {
	entitlements    licensing.EntitlementSource
	store           sso.Store
	authz           auth.Authorizer
	notifier        notifications.Notifier
	auditLog        audit.Logger
	defaultProvider sso.Provider
	mutationTimeout time.Duration
	now             func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithNotifier sets where notices are delivered.
func WithNotifier(n notifications.Notifier) Option {
	return func(w *Workflow) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithAuditLogger sets the audit sink. The global audit logger is used
// otherwise.
func WithAuditLogger(l audit.Logger) Option {
	return func(w *Workflow) {
		w.auditLog = l
	}
}

// WithDefaultProvider sets the provider written into new seeds.
func WithDefaultProvider(p sso.Provider) Option {
	return func(w *Workflow) {
		if sso.IsValidProvider(p) {
			w.defaultProvider = p
		}
	}
}

// WithMutationTimeout bounds store writes, which run detached from the
// caller's context.
func WithMutationTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.mutationTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a Workflow. A nil authorizer allows every action.
func New(entitlements licensing.EntitlementSource, store sso.Store, authz auth.Authorizer, opts ...Option) *Workflow {
	if entitlements == nil {
		entitlements = licensing.OnPremSource{}
	}
	if authz == nil {
		authz = auth.AllowAll{}
	}
	w := &Workflow{
		entitlements:    entitlements,
		store:           store,
		authz:           authz,
		notifier:        notifications.LogNotifier{},
		defaultProvider: sso.DefaultProvider,
		mutationTimeout: defaultMutationTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open loads the organization's configuration and starts a session for
// userID in the Idle state.
func (w *Workflow) Open(ctx context.Context, orgID, userID string) (*Session, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, ierrors.Invalid("organization is required")
	}
	if err := w.authz.Check(ctx, orgID, userID, rbac.ActionRead, rbac.SubjectSSO); err != nil {
		return nil, err
	}

	cfg, err := w.store.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		wf:     w,
		orgID:  orgID,
		userID: userID,
		state:  StateIdle,
		config: cfg.View(),
	}
	s.canManage = w.canManage(ctx, orgID, userID)
	return s, nil
}

// canManage is true when the user may create SSO configurations and the
// plan includes SAML SSO. Lookup failures read as false.
func (w *Workflow) canManage(ctx context.Context, orgID, userID string) bool {
	if err := w.authz.Check(ctx, orgID, userID, rbac.ActionCreate, rbac.SubjectSSO); err != nil {
		return false
	}
	snapshot, err := w.entitlements.Entitlements(ctx, orgID)
	if err != nil {
		return false
	}
	return licensing.IsAllowed(snapshot, licensing.CapSAMLSSO)
}

// entitled evaluates the SAML SSO capability against a fresh snapshot.
func (w *Workflow) entitled(ctx context.Context, orgID string) (bool, error) {
	snapshot, err := w.entitlements.Entitlements(ctx, orgID)
	if err != nil {
		return false, err
	}
	allowed := licensing.IsAllowed(snapshot, licensing.CapSAMLSSO)
	metrics.RecordEntitlementDecision(string(licensing.CapSAMLSSO), allowed)
	return allowed, nil
}

// RecordLogin stores the time of a successful SSO login for an active
// configuration.
func (w *Workflow) RecordLogin(ctx context.Context, orgID, userID string) (*sso.View, error) {
	cfg, err := w.store.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("sso config for %q: %w", orgID, ierrors.ErrNotFound)
	}
	if !cfg.IsActive {
		return nil, ierrors.Invalid("SAML SSO is not enabled")
	}

	at := w.now().UTC()
	updated, err := w.mutate(ctx, mutation{
		op:        "mark_used",
		eventType: audit.EventSSOLogin,
		orgID:     orgID,
		userID:    userID,
		run: func(mctx context.Context) (*sso.Config, error) {
			return w.store.MarkUsed(mctx, orgID, at)
		},
	})
	if err != nil {
		return nil, err
	}
	return updated.View(), nil
}

type mutation struct {
	op        string
	eventType string
	orgID     string
	userID    string
	details   string
	run       func(ctx context.Context) (*sso.Config, error)
}

// mutate runs m on a context detached from ctx. If ctx ends first the
// caller gets ctx.Err() while the write runs to completion; its outcome is
// still audited and counted.
func (w *Workflow) mutate(ctx context.Context, m mutation) (*sso.Config, error) {
	type result struct {
		cfg *sso.Config
		err error
	}
	done := make(chan result, 1)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.mutationTimeout)
	start := time.Now()
	go func() {
		defer cancel()
		cfg, err := m.run(mctx)
		metrics.RecordMutation(m.op, outcome(err), time.Since(start))
		w.record(m.eventType, m.orgID, m.userID, err == nil, m.details)
		if err != nil {
			log.Warn().
				Err(err).
				Str("org_id", m.orgID).
				Str("operation", m.op).
				Msg("SSO configuration mutation failed")
		}
		done <- result{cfg: cfg, err: err}
	}()

	select {
	case r := <-done:
		return r.cfg, r.err
	case <-ctx.Done():
		log.Debug().
			Str("org_id", m.orgID).
			Str("operation", m.op).
			Msg("Caller went away; mutation continues in the background")
		return nil, ctx.Err()
	}
}

func (w *Workflow) record(eventType, orgID, userID string, success bool, details string) {
	audit.Record(w.auditLog, audit.NewEvent(eventType, orgID, userID, success, details))
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(ierrors.Classify(err))
}

// isConflict reports a duplicate seed.
func isConflict(err error) bool {
	return errors.Is(err, ierrors.ErrConflict)
}
