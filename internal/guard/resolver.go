package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// ErrNoAddresses is returned when a host has neither A nor AAAA records.
var ErrNoAddresses = errors.New("no addresses")

// Resolver looks up every IPv4 and IPv6 address of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewResolver returns a DNSResolver querying nameservers, or the system
// resolver when none are configured.
func NewResolver(nameservers []string, timeout time.Duration) Resolver {
	if len(nameservers) > 0 {
		return NewDNSResolver(nameservers, timeout)
	}
	return &SystemResolver{resolver: net.DefaultResolver}
}

// SystemResolver resolves through the Go net package.
type SystemResolver struct {
	resolver *net.Resolver
}

// LookupNetIP queries both address families concurrently. A family with no
// records contributes nothing; any other failure fails the lookup.
func (r *SystemResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		mu  sync.Mutex
		out []netip.Addr
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, network := range []string{"ip4", "ip6"} {
		g.Go(func() error {
			addrs, err := r.resolver.LookupNetIP(gctx, network, host)
			if err != nil {
				var dnsErr *net.DNSError
				if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
					return nil
				}
				return fmt.Errorf("lookup %s %s: %w", network, host, err)
			}
			mu.Lock()
			out = append(out, addrs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddresses)
	}
	return out, nil
}

// DNSResolver queries explicit nameservers for A and AAAA records.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver creates a DNSResolver. Servers without a port use 53.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalized,
	}
}

// LookupNetIP sends A and AAAA queries concurrently and merges the answers.
func (r *DNSResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		mu  sync.Mutex
		out []netip.Addr
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		g.Go(func() error {
			addrs, err := r.query(gctx, host, qtype)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, addrs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddresses)
	}
	return out, nil
}

// query asks each server in turn until one answers.
func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return answerAddrs(in, qtype), nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s: rcode %s", server, dns.RcodeToString[in.Rcode])
		}
	}
	return nil, fmt.Errorf("lookup %s %s: %w", dns.TypeToString[qtype], host, lastErr)
}

func answerAddrs(in *dns.Msg, qtype uint16) []netip.Addr {
	var out []netip.Addr
	for _, rr := range in.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ip = rec.A
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ip = rec.AAAA
			}
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, a.Unmap())
		}
	}
	return out
}
