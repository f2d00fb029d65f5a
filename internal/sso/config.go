// Package sso holds per-organization SAML SSO configuration records and
// the store that persists them.
package sso

import (
	"net/url"
	"strings"
	"time"

	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/pkg/tlsutil"
)

// Provider identifies the identity provider flavour of a configuration.
type Provider string

const (
	ProviderOkta      Provider = "okta-saml"
	ProviderAzure     Provider = "azure-saml"
	ProviderJumpCloud Provider = "jumpcloud-saml"
	ProviderGoogle    Provider = "google-saml"
)

// DefaultProvider is used for seeds when nothing else is configured.
const DefaultProvider = ProviderOkta

var providerNames = map[Provider]string{
	ProviderOkta:      "Okta SAML",
	ProviderAzure:     "Azure SAML",
	ProviderJumpCloud: "JumpCloud SAML",
	ProviderGoogle:    "Google SAML",
}

// Providers returns the provider catalog in display order.
func Providers() []Provider {
	return []Provider{ProviderOkta, ProviderAzure, ProviderJumpCloud, ProviderGoogle}
}

// IsValidProvider reports whether p is in the catalog.
func IsValidProvider(p Provider) bool {
	_, ok := providerNames[p]
	return ok
}

// DisplayName returns the human-readable provider name.
func (p Provider) DisplayName() string {
	if name, ok := providerNames[p]; ok {
		return name
	}
	return string(p)
}

// ParseProvider normalizes a provider name.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	if !IsValidProvider(p) {
		return "", ierrors.Invalid("unknown auth provider %q", raw)
	}
	return p, nil
}

// Config is the stored SSO configuration of one organization.
type Config struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	AuthProvider   Provider   `json:"auth_provider"`
	IsActive       bool       `json:"is_active"`
	EntryPoint     string     `json:"entry_point"`
	Issuer         string     `json:"issuer"`
	Cert           string     `json:"-"`
	LastUsed       *time.Time `json:"last_used,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks the record-level invariants.
func (c *Config) Validate() error {
	if c == nil {
		return ierrors.Invalid("config is nil")
	}
	if !IsValidProvider(c.AuthProvider) {
		return ierrors.Invalid("unknown auth provider %q", c.AuthProvider)
	}
	if c.EntryPoint != "" {
		if err := validateEntryPoint(c.EntryPoint); err != nil {
			return err
		}
	}
	if c.IsActive && (strings.TrimSpace(c.EntryPoint) == "" || strings.TrimSpace(c.Issuer) == "") {
		return ierrors.Invalid("entry point and issuer are required to enable SSO")
	}
	return nil
}

func validateEntryPoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return ierrors.Invalid("entry point must be an absolute http(s) URL")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastUsed != nil {
		t := *c.LastUsed
		out.LastUsed = &t
	}
	return &out
}

// Apply returns a copy of c with the non-nil fields of p applied.
func (c *Config) Apply(p Patch) *Config {
	out := c.Clone()
	if p.AuthProvider != nil {
		out.AuthProvider = *p.AuthProvider
	}
	if p.IsActive != nil {
		out.IsActive = *p.IsActive
	}
	if p.EntryPoint != nil {
		out.EntryPoint = strings.TrimSpace(*p.EntryPoint)
	}
	if p.Issuer != nil {
		out.Issuer = strings.TrimSpace(*p.Issuer)
	}
	if p.Cert != nil {
		out.Cert = strings.TrimSpace(*p.Cert)
	}
	return out
}

// Seed is the initial content of a new configuration.
type Seed struct {
	AuthProvider Provider
	IsActive     bool
	EntryPoint   string
	Issuer       string
	Cert         string
}

// EmptySeed is the inactive, blank record created before the editor opens.
func EmptySeed(provider Provider) Seed {
	return Seed{AuthProvider: provider}
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	AuthProvider *Provider `json:"auth_provider,omitempty"`
	IsActive     *bool     `json:"is_active,omitempty"`
	EntryPoint   *string   `json:"entry_point,omitempty"`
	Issuer       *string   `json:"issuer,omitempty"`
	Cert         *string   `json:"cert,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.AuthProvider == nil && p.IsActive == nil && p.EntryPoint == nil && p.Issuer == nil && p.Cert == nil
}

// ActivatePatch only flips the active switch.
func ActivatePatch(active bool) Patch {
	return Patch{IsActive: &active}
}

// EditPatch replaces every editable field except the active switch.
func EditPatch(provider Provider, entryPoint, issuer, cert string) Patch {
	return Patch{
		AuthProvider: &provider,
		EntryPoint:   &entryPoint,
		Issuer:       &issuer,
		Cert:         &cert,
	}
}

// View is the redacted form of a Config safe to hand to clients.
type View struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organization_id"`
	AuthProvider     Provider   `json:"auth_provider"`
	AuthProviderName string     `json:"auth_provider_name"`
	IsActive         bool       `json:"is_active"`
	EntryPoint       string     `json:"entry_point"`
	Issuer           string     `json:"issuer"`
	CertConfigured   bool       `json:"cert_configured"`
	CertFingerprint  string     `json:"cert_fingerprint,omitempty"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// View redacts the certificate.
func (c *Config) View() *View {
	if c == nil {
		return nil
	}
	v := &View{
		ID:               c.ID,
		OrganizationID:   c.OrganizationID,
		AuthProvider:     c.AuthProvider,
		AuthProviderName: c.AuthProvider.DisplayName(),
		IsActive:         c.IsActive,
		EntryPoint:       c.EntryPoint,
		Issuer:           c.Issuer,
		CertConfigured:   c.Cert != "",
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.Cert != "" {
		if fp, err := tlsutil.CertificateFingerprint(c.Cert); err == nil {
			v.CertFingerprint = fp
		}
	}
	if c.LastUsed != nil {
		t := *c.LastUsed
		v.LastUsed = &t
	}
	return v
}
