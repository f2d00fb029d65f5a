package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/metrics"
	"github.com/rcourtman/pulse-sso/internal/notifications"
	"github.com/rcourtman/pulse-sso/internal/rbac"
	"github.com/rcourtman/pulse-sso/internal/sso"
	"github.com/rcourtman/pulse-sso/pkg/audit"
	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

// State is the position of a session in the SSO lifecycle.
type State string

const (
	StateIdle                        State = "idle"
	StateAwaitingEntitlementDecision State = "awaiting_entitlement_decision"
	StateUpgradeRequired             State = "upgrade_required"
	StateEditorOpen                  State = "editor_open"
	StateToggling                    State = "toggling"
)

// Popup identifies the dialog a client should show.
type Popup string

const (
	PopupNone        Popup = ""
	PopupUpgradePlan Popup = "upgradePlan"
	PopupAddSSO      Popup = "addSSO"
)

// View is everything a client needs to render the SSO section.
type View struct {
	Config       *sso.View                    `json:"config"`
	CanManageSSO bool                         `json:"can_manage_sso"`
	Popup        Popup                        `json:"popup"`
	State        State                        `json:"state"`
	Upgrade      *licensing.UpgradePrompt     `json:"upgrade,omitempty"`
	Notices      []notifications.Notification `json:"notices,omitempty"`
}

// Session is one user's pass through the lifecycle for one organization.
// Only transient view state lives here; the store is the source of truth.
type Session struct {
	wf     *Workflow
	orgID  string
	userID string

	mu        sync.Mutex
	state     State
	popup     Popup
	config    *sso.View
	editing   *sso.Config // holds cert material while the editor is open
	canManage bool
	upgrade   *licensing.UpgradePrompt
	notices   []notifications.Notification
}

// OrgID returns the organization the session operates on.
func (s *Session) OrgID() string { return s.orgID }

// View returns a snapshot of the session's view state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		CanManageSSO: s.canManage,
		Popup:        s.popup,
		State:        s.state,
		Notices:      append([]notifications.Notification(nil), s.notices...),
	}
	if s.config != nil {
		c := *s.config
		v.Config = &c
	}
	if s.upgrade != nil {
		u := *s.upgrade
		v.Upgrade = &u
	}
	return v
}

// setState must be called with s.mu held.
func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	metrics.RecordTransition(string(s.state), string(to))
	log.Debug().
		Str("org_id", s.orgID).
		Str("from", string(s.state)).
		Str("to", string(to)).
		Msg("SSO workflow transition")
	s.state = to
}

// begin moves from one of the allowed states to next, or fails without
// changing anything.
func (s *Session) begin(op string, next State, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range allowed {
		if s.state == st {
			s.setState(next)
			return nil
		}
	}
	return ierrors.Invalid("cannot %s while %s", op, s.state)
}

func (s *Session) notify(ctx context.Context, n notifications.Notification) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
	s.wf.notifier.Notify(ctx, s.orgID, n)
}

func (s *Session) denied(action rbac.Action, err error) {
	if errors.Is(err, ierrors.ErrPermissionDenied) {
		s.wf.record(audit.EventSSODenied, s.orgID, s.userID, false, "permission: "+string(action))
	}
}

// RequestSetup handles the "set up / update SAML SSO" action. It checks the
// create permission and the SAML SSO entitlement, seeds an empty
// configuration when none exists, and opens the editor. A plan without SAML
// SSO leaves the session in UpgradeRequired and returns ErrUpgradeRequired.
func (s *Session) RequestSetup(ctx context.Context) error {
	if err := s.begin("request setup", StateAwaitingEntitlementDecision,
		StateIdle, StateUpgradeRequired, StateEditorOpen); err != nil {
		return err
	}

	cfg, err := s.decideSetup(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		s.editing = cfg
		s.config = cfg.View()
		s.upgrade = nil
		s.popup = PopupAddSSO
		s.setState(StateEditorOpen)
		return nil
	case errors.Is(err, ierrors.ErrUpgradeRequired):
		prompt := licensing.UpgradePromptFor(licensing.CapSAMLSSO)
		s.editing = nil
		s.upgrade = &prompt
		s.popup = PopupUpgradePlan
		s.canManage = false
		s.setState(StateUpgradeRequired)
		return err
	default:
		s.editing = nil
		s.popup = PopupNone
		s.setState(StateIdle)
		return err
	}
}

func (s *Session) decideSetup(ctx context.Context) (*sso.Config, error) {
	w := s.wf
	if err := w.authz.Check(ctx, s.orgID, s.userID, rbac.ActionCreate, rbac.SubjectSSO); err != nil {
		s.denied(rbac.ActionCreate, err)
		return nil, err
	}

	allowed, err := w.entitled(ctx, s.orgID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		w.record(audit.EventSSODenied, s.orgID, s.userID, false, "entitlement: "+string(licensing.CapSAMLSSO))
		return nil, fmt.Errorf("%w: %s", ierrors.ErrUpgradeRequired, licensing.CapSAMLSSO)
	}

	cfg, err := w.store.Get(ctx, s.orgID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	provider := w.defaultProvider
	cfg, err = w.mutate(ctx, mutation{
		op:        "seed",
		eventType: audit.EventSSOSeed,
		orgID:     s.orgID,
		userID:    s.userID,
		details:   "provider=" + string(provider),
		run: func(mctx context.Context) (*sso.Config, error) {
			return w.store.Create(mctx, s.orgID, sso.EmptySeed(provider))
		},
	})
	if isConflict(err) {
		// Someone else seeded first; edit theirs.
		cfg, err = w.store.Get(ctx, s.orgID)
		if err == nil && cfg == nil {
			err = fmt.Errorf("sso config for %q vanished after conflict: %w", s.orgID, ierrors.ErrNotFound)
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			s.notify(ctx, notifications.Error("Failed to set up SAML SSO"))
		}
		return nil, err
	}
	return cfg, nil
}

// Dismiss closes the upgrade prompt or the editor and forgets any secret
// material held for editing.
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUpgradeRequired && s.state != StateEditorOpen {
		return
	}
	s.editing = nil
	s.upgrade = nil
	s.popup = PopupNone
	s.setState(StateIdle)
}

// Save applies the editor's patch. Permission and entitlement are checked
// again here; a plan downgrade since the editor opened moves the session to
// UpgradeRequired without writing.
func (s *Session) Save(ctx context.Context, patch sso.Patch) error {
	return s.saveEdit(ctx, patch, "update", audit.EventSSOUpdate, "")
}

// ImportMetadata saves the entry point, issuer and certificate taken from
// identity provider metadata.
func (s *Session) ImportMetadata(ctx context.Context, md *sso.IdPMetadata) error {
	if md == nil {
		return ierrors.Invalid("metadata is required")
	}
	return s.saveEdit(ctx, md.Patch(), "metadata_import", audit.EventSSOMetadata, "entity_id="+md.EntityID)
}

func (s *Session) saveEdit(ctx context.Context, patch sso.Patch, op, eventType, details string) error {
	s.mu.Lock()
	if s.state != StateEditorOpen || s.editing == nil {
		state := s.state
		s.mu.Unlock()
		return ierrors.Invalid("cannot save while %s", state)
	}
	editing := s.editing
	s.mu.Unlock()

	if patch.IsEmpty() {
		return ierrors.Invalid("nothing to save")
	}
	if err := editing.Apply(patch).Validate(); err != nil {
		return err
	}

	w := s.wf
	if err := w.authz.Check(ctx, s.orgID, s.userID, rbac.ActionEdit, rbac.SubjectSSO); err != nil {
		s.denied(rbac.ActionEdit, err)
		return err
	}
	allowed, err := w.entitled(ctx, s.orgID)
	if err != nil {
		return err
	}
	if !allowed {
		w.record(audit.EventSSODenied, s.orgID, s.userID, false, "entitlement: "+string(licensing.CapSAMLSSO))
		prompt := licensing.UpgradePromptFor(licensing.CapSAMLSSO)
		s.mu.Lock()
		s.editing = nil
		s.upgrade = &prompt
		s.popup = PopupUpgradePlan
		s.canManage = false
		s.setState(StateUpgradeRequired)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ierrors.ErrUpgradeRequired, licensing.CapSAMLSSO)
	}

	updated, err := w.mutate(ctx, mutation{
		op:        op,
		eventType: eventType,
		orgID:     s.orgID,
		userID:    s.userID,
		details:   details,
		run: func(mctx context.Context) (*sso.Config, error) {
			return w.store.Update(mctx, s.orgID, patch)
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			s.notify(ctx, notifications.Error("Failed to update SAML SSO configuration"))
		}
		return err
	}

	s.mu.Lock()
	s.editing = nil
	s.config = updated.View()
	s.popup = PopupNone
	s.setState(StateIdle)
	s.mu.Unlock()
	s.notify(ctx, notifications.Success("Successfully updated SAML SSO configuration"))
	return nil
}

// Toggle flips the active switch. The switch shows the requested position
// while the write is in flight and reverts if it fails. Toggling checks the
// edit permission but not the SAML SSO entitlement, so a configuration
// provisioned before a downgrade can still be switched.
func (s *Session) Toggle(ctx context.Context, active bool) error {
	verb := "disable"
	if active {
		verb = "enable"
	}
	failure := notifications.Error(fmt.Sprintf("Failed to %s SAML SSO", verb))

	if err := s.begin("toggle", StateToggling, StateIdle); err != nil {
		return err
	}

	s.mu.Lock()
	current := s.config
	var prior bool
	if current != nil {
		prior = current.IsActive
		optimistic := *current
		optimistic.IsActive = active
		s.config = &optimistic
	}
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		if current != nil {
			restored := *current
			restored.IsActive = prior
			s.config = &restored
		}
		s.setState(StateIdle)
		s.mu.Unlock()
	}

	err := s.preToggle(ctx, current, active)
	if err != nil {
		restore()
		if !errors.Is(err, ierrors.ErrPermissionDenied) {
			s.notify(ctx, failure)
		}
		return err
	}

	w := s.wf
	updated, err := w.mutate(ctx, mutation{
		op:        "toggle",
		eventType: audit.EventSSOToggle,
		orgID:     s.orgID,
		userID:    s.userID,
		details:   fmt.Sprintf("active=%t", active),
		run: func(mctx context.Context) (*sso.Config, error) {
			return w.store.Update(mctx, s.orgID, sso.ActivatePatch(active))
		},
	})
	if err != nil {
		restore()
		if ctx.Err() == nil {
			s.notify(ctx, failure)
		}
		return err
	}

	s.mu.Lock()
	s.config = updated.View()
	s.setState(StateIdle)
	s.mu.Unlock()
	s.notify(ctx, notifications.Success(fmt.Sprintf("Successfully %sd SAML SSO", verb)))
	return nil
}

func (s *Session) preToggle(ctx context.Context, current *sso.View, active bool) error {
	if current == nil {
		return fmt.Errorf("sso config for %q: %w", s.orgID, ierrors.ErrNotFound)
	}
	if err := s.wf.authz.Check(ctx, s.orgID, s.userID, rbac.ActionEdit, rbac.SubjectSSO); err != nil {
		s.denied(rbac.ActionEdit, err)
		return err
	}
	if active && (current.EntryPoint == "" || current.Issuer == "") {
		return ierrors.Invalid("entry point and issuer are required to enable SSO")
	}
	return nil
}
