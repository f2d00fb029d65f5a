package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/pulse-sso/internal/logging"
)

// Config holds all configuration for the SSO service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string

	LogLevel  string
	LogFormat string

	// BillingEnabled selects the billing-backed entitlement source. When
	// false every organization gets the on-prem default snapshot.
	BillingEnabled        bool
	EntitlementCacheTTL   time.Duration
	WatchBilling          bool
	DefaultAuthProvider   string
	RateLimitPerMinute    int
	MetadataFetchTimeout  time.Duration
	MetadataAllowInsecure bool

	// MetadataAllowedHosts are wildcard host patterns metadata may be
	// fetched from. Empty allows any host.
	MetadataAllowedHosts []string

	// EncryptionKey is the base64 master key for SSO certificate
	// encryption. Empty means a key file under DataDir is used.
	EncryptionKey string
}

// SSODBPath returns the path of the SSO configuration database.
func (c *Config) SSODBPath() string {
	return filepath.Join(c.DataDir, "sso.db")
}

// OrgsDBPath returns the path of the organization membership database.
func (c *Config) OrgsDBPath() string {
	return filepath.Join(c.DataDir, "orgs.db")
}

// AuditDBPath returns the path of the audit event database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// KeyPath returns the path of the generated encryption key file.
func (c *Config) KeyPath() string {
	return filepath.Join(c.DataDir, ".encryption.key")
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	if envFile := strings.TrimSpace(os.Getenv("SSO_ENV_FILE")); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	port, err := envOrDefaultInt("SSO_PORT", 8480)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("SSO_RATE_LIMIT", 30)
	if err != nil {
		return nil, err
	}
	billingEnabled, err := envOrDefaultBool("SSO_BILLING_ENABLED", false)
	if err != nil {
		return nil, err
	}
	watchBilling, err := envOrDefaultBool("SSO_WATCH_BILLING", true)
	if err != nil {
		return nil, err
	}
	allowInsecure, err := envOrDefaultBool("SSO_METADATA_ALLOW_INSECURE", false)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("SSO_ENTITLEMENT_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, err
	}
	metadataTimeout, err := envOrDefaultDuration("SSO_METADATA_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:               envOrDefault("SSO_DATA_DIR", "/data"),
		BindAddress:           envOrDefault("SSO_BIND_ADDRESS", "0.0.0.0"),
		Port:                  port,
		AdminKey:              strings.TrimSpace(os.Getenv("SSO_ADMIN_KEY")),
		LogLevel:              envOrDefault("SSO_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("SSO_LOG_FORMAT", "auto"),
		BillingEnabled:        billingEnabled,
		EntitlementCacheTTL:   cacheTTL,
		WatchBilling:          watchBilling,
		DefaultAuthProvider:   envOrDefault("SSO_DEFAULT_AUTH_PROVIDER", "okta-saml"),
		RateLimitPerMinute:    rateLimit,
		MetadataFetchTimeout:  metadataTimeout,
		MetadataAllowInsecure: allowInsecure,
		MetadataAllowedHosts:  envList("SSO_METADATA_ALLOWED_HOSTS"),
		EncryptionKey:         strings.TrimSpace(os.Getenv("SSO_ENCRYPTION_KEY")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate sso config: %w", err)
	}
	return cfg, nil
}

var authProviderPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "SSO_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SSO_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("SSO_RATE_LIMIT must be greater than 0, got %d", c.RateLimitPerMinute)
	}
	if c.MetadataFetchTimeout <= 0 {
		return fmt.Errorf("SSO_METADATA_TIMEOUT must be greater than 0, got %s", c.MetadataFetchTimeout)
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("SSO_LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("SSO_LOG_FORMAT must be json, console or auto, got %q", c.LogFormat)
	}
	if !authProviderPattern.MatchString(c.DefaultAuthProvider) {
		return fmt.Errorf("SSO_DEFAULT_AUTH_PROVIDER %q is not a valid provider key", c.DefaultAuthProvider)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s") or whole seconds ("90").
// A negative TTL is meaningful for the entitlement cache (defaults only).
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return d, nil
}
