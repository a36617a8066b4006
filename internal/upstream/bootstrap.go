package upstream

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// bootstrapResolver resolves upstream hostnames using a fixed list of IP
// literal resolvers, bypassing the system resolver entirely. It is a
// stateless function over (hostname, family-order, resolver-list), as
// called for by the "bootstrap DNS resolver is a stateless pure function"
// design note.
type bootstrapResolver struct {
	resolvers  []netip.Addr
	preferIPv4 bool
}

func newBootstrapResolver(resolvers []netip.Addr, preferIPv4 bool) *bootstrapResolver {
	return &bootstrapResolver{resolvers: resolvers, preferIPv4: preferIPv4}
}

// dialer returns a net.Dialer whose Resolver is pinned to the bootstrap
// resolvers ordered by preferIPv4, so net.Dial("tcp", "host:853") etc. never
// falls through to the system resolver for the upstream hostname. preferIPv4
// is a per-call parameter, not fixed at construction, so a caller retrying
// with the opposite family order (the DoH one-retry path) actually gets a
// different dial order rather than repeating the first attempt's.
func (b *bootstrapResolver) dialer(preferIPv4 bool) *net.Dialer {
	if len(b.resolvers) == 0 {
		return &net.Dialer{}
	}

	resolvers := b.orderedResolvers(preferIPv4)
	idx := 0

	return &net.Dialer{
		Resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 2 * time.Second}
				addr := resolvers[idx%len(resolvers)]
				idx++

				return d.DialContext(ctx, network, net.JoinHostPort(addr.String(), "53"))
			},
		},
	}
}

// orderedResolvers returns the bootstrap resolvers ordered IPv4-first or
// IPv6-first according to preferIPv4.
func (b *bootstrapResolver) orderedResolvers(preferIPv4 bool) []netip.Addr {
	out := make([]netip.Addr, 0, len(b.resolvers))

	var first, second []netip.Addr
	for _, a := range b.resolvers {
		if a.Is4() == preferIPv4 {
			first = append(first, a)
		} else {
			second = append(second, a)
		}
	}

	out = append(out, first...)
	out = append(out, second...)

	return out
}
