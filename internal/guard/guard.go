// Package guard decides whether a target URL may be fetched. It enforces the
// allow and deny lists and blocks targets resolving to private address space.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"miniproxy-go/internal/metrics"
	"miniproxy-go/internal/urls"
)

// ErrDenied is wrapped by Decision.Err for every rejected target.
var ErrDenied = errors.New("target denied")

// Reason explains a denial. It is logged but never sent to clients.
type Reason string

const (
	ReasonUnsupportedScheme Reason = "unsupported-scheme"
	ReasonNotAllowed        Reason = "not-allowed"
	ReasonDenied            Reason = "denied"
	ReasonPrivateNetwork    Reason = "private-network"
	ReasonUnresolvable      Reason = "unresolvable"
)

// Decision is the outcome of Validate. Addrs holds the addresses the target
// was checked against when private networks are blocked; the connection must
// use them instead of resolving the host again.
type Decision struct {
	Allowed bool
	Reason  Reason
	Addrs   []netip.Addr
}

// Err returns nil for an allowed decision and an error wrapping ErrDenied
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Guard validates targets against a Policy.
type Guard struct {
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewGuard creates a Guard. The metrics parameter is optional; pass nil to
// disable denial counting.
func NewGuard(r Resolver, logger *slog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{
		resolver: r,
		logger:   logger.With("component", "guard"),
		metrics:  m,
	}
}

// Validate checks u against p: scheme, allow list, deny list and, when the
// policy asks for it, the resolved addresses. It completes before any
// upstream connection is attempted.
func (g *Guard) Validate(ctx context.Context, u *urls.URL, p *Policy) Decision {
	d := g.validate(ctx, u, p)
	if !d.Allowed {
		g.logger.Info("target denied", "host", u.Host, "reason", string(d.Reason))
		if g.metrics != nil {
			g.metrics.GuardDenials.WithLabelValues(string(d.Reason)).Inc()
		}
	}
	return d
}

func (g *Guard) validate(ctx context.Context, u *urls.URL, p *Policy) Decision {
	if u.Scheme != "http" && u.Scheme != "https" {
		return deny(ReasonUnsupportedScheme)
	}
	if len(p.Allow) > 0 && !matchAny(p.Allow, u) {
		return deny(ReasonNotAllowed)
	}
	if matchAny(p.Deny, u) {
		return deny(ReasonDenied)
	}
	if !p.BlockPrivateNetworks {
		return Decision{Allowed: true}
	}

	addrs, err := g.lookup(ctx, u)
	if err != nil {
		g.logger.Debug("resolve target", "host", u.Host, "err", err)
		return deny(ReasonUnresolvable)
	}
	for _, a := range addrs {
		if IsPrivate(a) {
			return deny(ReasonPrivateNetwork)
		}
	}
	return Decision{Allowed: true, Addrs: addrs}
}

func (g *Guard) lookup(ctx context.Context, u *urls.URL) ([]netip.Addr, error) {
	if a, ok := u.Addr(); ok {
		return []netip.Addr{a}, nil
	}
	addrs, err := g.resolver.LookupNetIP(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	return addrs, nil
}
