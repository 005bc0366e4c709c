package guard

import (
	"context"
	"net/netip"
)

type pinnedKey struct{}

// WithPinnedAddrs returns a context carrying the addresses a target was
// validated against. A dialer honoring the pin connects only to them.
func WithPinnedAddrs(ctx context.Context, addrs []netip.Addr) context.Context {
	if len(addrs) == 0 {
		return ctx
	}
	return context.WithValue(ctx, pinnedKey{}, addrs)
}

// PinnedAddrs returns the addresses stored by WithPinnedAddrs.
func PinnedAddrs(ctx context.Context) ([]netip.Addr, bool) {
	addrs, ok := ctx.Value(pinnedKey{}).([]netip.Addr)
	return addrs, ok && len(addrs) > 0
}
