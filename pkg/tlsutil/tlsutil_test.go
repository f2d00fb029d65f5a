package tlsutil

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	ips []string
	err error
}

func (s staticResolver) LookupHost(context.Context, string) ([]string, error) {
	return s.ips, s.err
}

func TestCachedDialer_UsesResolvedAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	_, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	d := &CachedDialer{
		resolver: staticResolver{ips: []string{"127.0.0.1"}},
		dialer:   &net.Dialer{Timeout: time.Second},
	}
	client := CreateHTTPClient(ClientOptions{Timeout: 5 * time.Second, VerifySSL: true, Dialer: d})

	resp, err := client.Get("http://idp.test:" + port + "/metadata")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestCachedDialer_NoAddresses(t *testing.T) {
	d := &CachedDialer{resolver: staticResolver{}, dialer: &net.Dialer{}}

	_, err := d.DialContext(context.Background(), "tcp", "idp.test:443")
	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	assert.Equal(t, "idp.test", dnsErr.Name)
}

func TestCachedDialer_ResolverError(t *testing.T) {
	d := &CachedDialer{resolver: staticResolver{err: errors.New("nxdomain")}, dialer: &net.Dialer{}}

	_, err := d.DialContext(context.Background(), "tcp", "idp.test:443")
	require.EqualError(t, err, "nxdomain")
}

func TestCachedDialer_RejectsAddressWithoutPort(t *testing.T) {
	_, err := NewCachedDialer(nil, 0).DialContext(context.Background(), "tcp", "idp.test")
	require.Error(t, err)
}

func TestFingerprintPinning(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pinned")
	}))
	t.Cleanup(srv.Close)

	sum := sha256.Sum256(srv.Certificate().Raw)
	good := hex.EncodeToString(sum[:])

	client := CreateHTTPClient(ClientOptions{Timeout: 5 * time.Second, Fingerprint: good})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	bad := CreateHTTPClient(ClientOptions{Timeout: 5 * time.Second, Fingerprint: strings.Repeat("00", 32)})
	_, err = bad.Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint mismatch")
}

func TestCertificateFingerprint_PEMAndBareBase64Agree(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	der := srv.Certificate().Raw

	pemCert := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	bare := base64.StdEncoding.EncodeToString(der)
	// Metadata often wraps the base64 body across lines.
	wrapped := bare[:40] + "\n  " + bare[40:]

	fromPEM, err := CertificateFingerprint(pemCert)
	require.NoError(t, err)
	fromBare, err := CertificateFingerprint(wrapped)
	require.NoError(t, err)
	assert.Equal(t, fromPEM, fromBare)

	parsed, err := ParseCertificate(pemCert)
	require.NoError(t, err)
	assert.Equal(t, der, parsed.Raw)
}

func TestCertificateFingerprint_Invalid(t *testing.T) {
	_, err := CertificateFingerprint("")
	require.Error(t, err)

	_, err = CertificateFingerprint("not a cert!")
	require.Error(t, err)

	key := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}))
	_, err = CertificateFingerprint(key)
	require.Error(t, err)

	_, err = ParseCertificate(base64.StdEncoding.EncodeToString([]byte("garbage")))
	require.Error(t, err)
}

func TestStartDNSRefreshStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	StartDNSRefresh(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	assert.NotNil(t, GetDNSResolver())
}
