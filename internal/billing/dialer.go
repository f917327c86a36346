package billing

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSRefresh = 5 * time.Minute

// cachedDialer resolves hosts through a shared dnscache.Resolver so the
// ledger host is not looked up on every entitlement check.
type cachedDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer

	stopOnce sync.Once
	stop     chan struct{}
}

func newCachedDialer(refresh time.Duration) *cachedDialer {
	if refresh <= 0 {
		refresh = defaultDNSRefresh
	}
	d := &cachedDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		stop: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.resolver.Refresh(true)
				log.Debug().Dur("ttl", refresh).Msg("Billing DNS cache refreshed")
			case <-d.stop:
				return
			}
		}
	}()
	return d
}

// DialContext looks the host up in the cache and dials the first address.
func (d *cachedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
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

	return d.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

func (d *cachedDialer) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func newTransport(d *cachedDialer) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
