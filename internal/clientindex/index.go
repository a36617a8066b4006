// Package clientindex resolves a client IP address to the policy-relevant
// client profile, exact-match first, then the most specific matching
// subnet.  It is grounded on AdGuardHome's internal/client index and its
// subnetCompare tiebreak, generalized from client UIDs to policy.ClientProfile
// values and rebuilt fresh on every cache refresh rather than mutated
// in place.
package clientindex

import (
	"cmp"
	"net/netip"

	"github.com/robotnikz/sentinel-dns/internal/aghalg"
	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// Index resolves client IPs to profiles.  It is immutable once built and
// safe for concurrent readers.
type Index struct {
	byIP     map[netip.Addr]*policy.ClientProfile
	byPrefix *aghalg.SortedMap[netip.Prefix, *policy.ClientProfile]
}

// New builds an Index from profiles, in store order.  When two subnet
// clients share the same prefix length, the one that appears earlier in
// profiles wins, matching the deterministic "first-seen" tiebreak §9 of the
// governing design requires.
func New(profiles []policy.ClientProfile) *Index {
	idx := &Index{
		byIP:     make(map[netip.Addr]*policy.ClientProfile),
		byPrefix: aghalg.NewSortedMapFunc[netip.Prefix, *policy.ClientProfile](prefixCompare),
	}

	for i := range profiles {
		c := &profiles[i]
		if c.IsSubnet {
			if _, exists := idx.byPrefix.Get(c.Subnet); !exists {
				idx.byPrefix.Set(c.Subnet, c)
			}

			continue
		}

		if c.IP.IsValid() {
			idx.byIP[c.IP.Unmap()] = c
		}
	}

	return idx
}

// Resolve returns the exact-match client for ip if one exists, else the
// longest-prefix subnet client containing ip, else (nil, nil, false).
func (idx *Index) Resolve(ip netip.Addr) (exact, subnet *policy.ClientProfile, ok bool) {
	ip = ip.Unmap()

	if c, has := idx.byIP[ip]; has {
		exact = c
	}

	idx.byPrefix.Range(func(p netip.Prefix, c *policy.ClientProfile) bool {
		if p.Addr().Is4() != ip.Is4() {
			return true
		}

		if p.Contains(ip) {
			subnet = c

			return false
		}

		return true
	})

	return exact, subnet, exact != nil || subnet != nil
}

// prefixCompare orders prefixes by descending bit-length (longest first), so
// that a Range call visiting them in order finds the most specific
// containing prefix first. It mirrors AdGuardHome's persistent.subnetCompare.
func prefixCompare(x, y netip.Prefix) int {
	xBits, yBits := x.Bits(), y.Bits()
	if xBits != yBits {
		if xBits > yBits {
			return -1
		}

		return 1
	}

	return cmp.Compare(x.Addr().String(), y.Addr().String())
}
