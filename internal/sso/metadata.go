package sso

import (
	"context"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/crewjam/saml"

	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/pkg/tlsutil"
)

const (
	maxMetadataBytes     = 1 << 20
	maxMetadataRedirects = 5
)

// IdPMetadata is the subset of identity provider metadata an SSO
// configuration needs.
type IdPMetadata struct {
	EntityID   string
	EntryPoint string
	Binding    string
	Cert       string // PEM
}

// Patch converts the metadata into an edit patch that leaves the provider
// and the active switch alone.
func (m *IdPMetadata) Patch() Patch {
	entryPoint, issuer, cert := m.EntryPoint, m.EntityID, m.Cert
	return Patch{
		EntryPoint: &entryPoint,
		Issuer:     &issuer,
		Cert:       &cert,
	}
}

// ParseIdPMetadata extracts entity ID, SSO endpoint and signing certificate
// from SAML metadata. Both a bare EntityDescriptor and an EntitiesDescriptor
// wrapper are accepted; for the wrapper the first IdP descriptor wins.
func ParseIdPMetadata(data []byte) (*IdPMetadata, error) {
	descriptor, err := parseEntityDescriptor(data)
	if err != nil {
		return nil, ierrors.Invalid("%v", err)
	}

	if len(descriptor.IDPSSODescriptors) == 0 {
		return nil, ierrors.Invalid("metadata has no IdP SSO descriptor")
	}
	idp := descriptor.IDPSSODescriptors[0]

	endpoint, ok := pickSSOEndpoint(idp.SingleSignOnServices)
	if !ok {
		return nil, ierrors.Invalid("metadata has no single sign-on service")
	}

	certData := signingCertificate(idp.KeyDescriptors)
	if certData == "" {
		return nil, ierrors.Invalid("metadata has no signing certificate")
	}
	parsed, err := tlsutil.ParseCertificate(certData)
	if err != nil {
		return nil, ierrors.Invalid("signing certificate: %v", err)
	}

	return &IdPMetadata{
		EntityID:   strings.TrimSpace(descriptor.EntityID),
		EntryPoint: strings.TrimSpace(endpoint.Location),
		Binding:    endpoint.Binding,
		Cert:       string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: parsed.Raw})),
	}, nil
}

func parseEntityDescriptor(data []byte) (*saml.EntityDescriptor, error) {
	var metadata saml.EntityDescriptor
	if err := xml.Unmarshal(data, &metadata); err != nil {
		// Try parsing as EntityDescriptor wrapped in EntitiesDescriptor
		var entities saml.EntitiesDescriptor
		if err2 := xml.Unmarshal(data, &entities); err2 != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		for i := range entities.EntityDescriptors {
			if len(entities.EntityDescriptors[i].IDPSSODescriptors) > 0 {
				return &entities.EntityDescriptors[i], nil
			}
		}
		if len(entities.EntityDescriptors) == 0 {
			return nil, errors.New("no entity descriptors found in metadata")
		}
		metadata = entities.EntityDescriptors[0]
	}
	return &metadata, nil
}

func pickSSOEndpoint(endpoints []saml.Endpoint) (saml.Endpoint, bool) {
	for _, binding := range []string{saml.HTTPRedirectBinding, saml.HTTPPostBinding} {
		for _, ep := range endpoints {
			if ep.Binding == binding && ep.Location != "" {
				return ep, true
			}
		}
	}
	for _, ep := range endpoints {
		if ep.Location != "" {
			return ep, true
		}
	}
	return saml.Endpoint{}, false
}

func signingCertificate(keys []saml.KeyDescriptor) string {
	for _, use := range []string{"signing", ""} {
		for _, kd := range keys {
			if kd.Use != use {
				continue
			}
			for _, c := range kd.KeyInfo.X509Data.X509Certificates {
				if data := strings.TrimSpace(c.Data); data != "" {
					return data
				}
			}
		}
	}
	return ""
}

// MetadataFetcher downloads IdP metadata over HTTP.
type MetadataFetcher struct {
	client        *http.Client
	allowInsecure bool
	allowedHosts  []string
}

// NewMetadataFetcher builds a fetcher whose client resolves through the
// shared DNS cache. allowInsecure permits plain http and unverified TLS.
func NewMetadataFetcher(timeout time.Duration, allowInsecure bool) *MetadataFetcher {
	f := &MetadataFetcher{
		client: tlsutil.CreateHTTPClient(tlsutil.ClientOptions{
			Timeout:   timeout,
			VerifySSL: !allowInsecure,
		}),
		allowInsecure: allowInsecure,
	}
	f.client.CheckRedirect = f.checkRedirect
	return f
}

// checkRedirect applies the scheme and host rules to every redirect hop.
func (f *MetadataFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxMetadataRedirects {
		return ierrors.Invalid("metadata URL redirected too many times")
	}
	return f.checkURL(req.URL)
}

// AllowHosts restricts fetching to hosts matching one of the wildcard
// patterns ("*.okta.com"). No patterns means any host.
func (f *MetadataFetcher) AllowHosts(patterns ...string) *MetadataFetcher {
	f.allowedHosts = f.allowedHosts[:0]
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			f.allowedHosts = append(f.allowedHosts, p)
		}
	}
	return f
}

func (f *MetadataFetcher) hostAllowed(host string) bool {
	if len(f.allowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, p := range f.allowedHosts {
		if wildcard.Match(p, host) {
			return true
		}
	}
	return false
}

func (f *MetadataFetcher) checkURL(u *url.URL) error {
	switch u.Scheme {
	case "https":
	case "http":
		if !f.allowInsecure {
			return ierrors.Invalid("metadata URL must use https")
		}
	default:
		return ierrors.Invalid("unsupported metadata URL scheme %q", u.Scheme)
	}
	if !f.hostAllowed(u.Hostname()) {
		return ierrors.Invalid("metadata host %q is not allowed", u.Hostname())
	}
	return nil
}

// Fetch downloads and parses metadata from metadataURL.
func (f *MetadataFetcher) Fetch(ctx context.Context, metadataURL string) (*IdPMetadata, error) {
	u, err := url.Parse(strings.TrimSpace(metadataURL))
	if err != nil || u.Host == "" {
		return nil, ierrors.Invalid("metadata URL %q is not absolute", metadataURL)
	}
	if err := f.checkURL(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/samlmetadata+xml, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && errors.Is(urlErr.Err, ierrors.ErrInvalidInput) {
			return nil, urlErr.Err
		}
		return nil, ierrors.NewIOError("sso.fetch_metadata", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ierrors.NewIOError("sso.fetch_metadata", "",
			fmt.Errorf("metadata request returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, ierrors.NewIOError("sso.fetch_metadata", "", err)
	}
	return ParseIdPMetadata(body)
}
