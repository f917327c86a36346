// Package billing talks to the remote subscription ledger and answers
// entitlement.Provider queries from it.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	vgerrors "github.com/rcourtman/voicegate/internal/errors"
	"github.com/rcourtman/voicegate/pkg/entitlement"
)

const (
	opFetchSubscriber  = "fetch_subscriber"
	maxResponseBytes   = 1 << 20
	defaultHTTPTimeout = 10 * time.Second
)

// Config configures the ledger client.
type Config struct {
	BaseURL string
	APIKey  string
	// EntitlementID restricts the check to one entitlement identifier.
	// Empty means any active entitlement counts.
	EntitlementID string
	Timeout       time.Duration
	DNSRefresh    time.Duration

	// HTTPClient overrides the cached-DNS client, mostly for tests.
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *zerolog.Logger
}

// Client fetches subscriber records from the ledger. Concurrent fetches for
// the same user share one request.
type Client struct {
	baseURL       *url.URL
	apiKey        string
	entitlementID string
	http          *http.Client
	dialer        *cachedDialer
	clock         clockwork.Clock
	log           zerolog.Logger
	group         singleflight.Group
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("billing base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse billing base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("billing base URL must be http or https, got %q", base.Scheme)
	}
	base.Path = strings.TrimRight(base.Path, "/")

	c := &Client{
		baseURL:       base,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		entitlementID: strings.TrimSpace(cfg.EntitlementID),
		clock:         cfg.Clock,
		http:          cfg.HTTPClient,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "billing_client").Logger()
	} else {
		c.log = log.Logger.With().Str("component", "billing_client").Logger()
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		c.dialer = newCachedDialer(cfg.DNSRefresh)
		c.http = &http.Client{Timeout: timeout, Transport: newTransport(c.dialer)}
	}
	return c, nil
}

// Close stops the DNS refresh loop and drops idle connections.
func (c *Client) Close() {
	if c.dialer != nil {
		c.dialer.Close()
	}
	c.http.CloseIdleConnections()
}

// FetchEntitlement implements entitlement.Provider. A 404 from the ledger is
// an answer (the user never purchased) and yields an inactive entitlement.
func (c *Client) FetchEntitlement(ctx context.Context, userID string) (entitlement.RemoteEntitlement, error) {
	ch := c.group.DoChan(userID, func() (any, error) {
		// detached from the first caller so its cancellation does not fail
		// the other waiters; the http client timeout still bounds it
		return c.fetch(context.WithoutCancel(ctx), userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return entitlement.RemoteEntitlement{}, res.Err
		}
		return res.Val.(entitlement.RemoteEntitlement), nil
	case <-ctx.Done():
		return entitlement.RemoteEntitlement{}, vgerrors.WrapTransportError(opFetchSubscriber, userID, ctx.Err())
	}
}

func (c *Client) fetch(ctx context.Context, userID string) (entitlement.RemoteEntitlement, error) {
	endpoint := c.baseURL.JoinPath("v1", "subscribers", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return entitlement.RemoteEntitlement{}, vgerrors.NewProviderError(vgerrors.ErrorTypeInternal, opFetchSubscriber, userID, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("Ledger request failed")
		return entitlement.RemoteEntitlement{}, vgerrors.WrapTransportError(opFetchSubscriber, userID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return entitlement.RemoteEntitlement{}, vgerrors.WrapTransportError(opFetchSubscriber, userID, err)
	}

	c.log.Debug().
		Str("user_id", userID).
		Int("status", resp.StatusCode).
		Dur("took", c.clock.Now().Sub(started)).
		Msg("Ledger responded")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return entitlement.RemoteEntitlement{Active: false, PeriodType: entitlement.PeriodNormal}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return entitlement.RemoteEntitlement{}, vgerrors.WrapAPIError(opFetchSubscriber, userID,
			fmt.Errorf("unexpected ledger response: %s", strings.TrimSpace(truncate(string(body), 200))), resp.StatusCode)
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return entitlement.RemoteEntitlement{}, vgerrors.NewProviderError(vgerrors.ErrorTypeAPI, opFetchSubscriber, userID,
			fmt.Errorf("decode subscriber: %w", err))
	}
	return payload.Subscriber.verdict(c.entitlementID, c.clock.Now()), nil
}

type subscriberResponse struct {
	Subscriber subscriber `json:"subscriber"`
}

type subscriber struct {
	Entitlements  map[string]entitlementRecord  `json:"entitlements"`
	Subscriptions map[string]subscriptionRecord `json:"subscriptions"`
}

type entitlementRecord struct {
	ProductIdentifier string     `json:"product_identifier"`
	ExpiresDate       *time.Time `json:"expires_date"`
	PurchaseDate      *time.Time `json:"purchase_date"`
}

type subscriptionRecord struct {
	PeriodType  string     `json:"period_type"`
	ExpiresDate *time.Time `json:"expires_date"`
}

func (e entitlementRecord) activeAt(now time.Time) bool {
	return e.ExpiresDate == nil || e.ExpiresDate.After(now)
}

// verdict reduces the subscriber record to one verdict. With no
// configured id the active entitlement expiring last wins; ties break on
// identifier so the choice is stable.
func (s subscriber) verdict(entitlementID string, now time.Time) entitlement.RemoteEntitlement {
	var (
		chosen entitlementRecord
		found  bool
	)
	if entitlementID != "" {
		rec, ok := s.Entitlements[entitlementID]
		if ok && rec.activeAt(now) {
			chosen, found = rec, true
		}
	} else {
		ids := make([]string, 0, len(s.Entitlements))
		for id := range s.Entitlements {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rec := s.Entitlements[id]
			if !rec.activeAt(now) {
				continue
			}
			if !found || expiresLater(rec, chosen) {
				chosen, found = rec, true
			}
		}
	}

	if !found {
		return entitlement.RemoteEntitlement{Active: false, PeriodType: entitlement.PeriodNormal}
	}
	period := entitlement.PeriodNormal
	if sub, ok := s.Subscriptions[chosen.ProductIdentifier]; ok {
		period = entitlement.NormalizePeriodType(sub.PeriodType)
	}
	return entitlement.RemoteEntitlement{
		Active:     true,
		ProductID:  chosen.ProductIdentifier,
		PeriodType: period,
	}
}

// expiresLater treats a nil expiry (lifetime) as later than any date.
func expiresLater(a, b entitlementRecord) bool {
	switch {
	case a.ExpiresDate == nil:
		return b.ExpiresDate != nil
	case b.ExpiresDate == nil:
		return false
	default:
		return a.ExpiresDate.After(*b.ExpiresDate)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
