package tlsutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSRefreshInterval = 5 * time.Minute

var (
	// Global DNS resolver with caching
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
)

// GetDNSResolver returns the process-wide caching resolver.
func GetDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		globalResolver = &dnscache.Resolver{}
	})
	return globalResolver
}

// StartDNSRefresh refreshes the global resolver cache every interval until
// ctx is done. Entries not used since the previous refresh are dropped.
func StartDNSRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultDNSRefreshInterval
	}
	resolver := GetDNSResolver()

	log.Info().
		Dur("interval", interval).
		Msg("Starting DNS resolver cache refresh")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}
	}()
}

// hostResolver is the subset of *dnscache.Resolver used for dialing.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// CachedDialer dials through a caching resolver, trying each resolved
// address in order until one connects.
type CachedDialer struct {
	resolver hostResolver
	dialer   *net.Dialer
}

// NewCachedDialer returns a dialer using resolver (the global resolver when
// nil) with the given connect timeout.
func NewCachedDialer(resolver *dnscache.Resolver, timeout time.Duration) *CachedDialer {
	if resolver == nil {
		resolver = GetDNSResolver()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CachedDialer{
		resolver: resolver,
		dialer: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		},
	}
}

// DialContext implements the http.Transport DialContext hook.
func (d *CachedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// Literal IPs need no lookup.
	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	var errs []error
	for _, ip := range ips {
		conn, dialErr := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if dialErr == nil {
			return conn, nil
		}
		errs = append(errs, dialErr)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
