package clientindex_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/robotnikz/sentinel-dns/internal/clientindex"
	"github.com/robotnikz/sentinel-dns/internal/policy"
)

func TestIndex_Resolve(t *testing.T) {
	kids := policy.ClientProfile{ID: 1, Name: "kids", IsSubnet: true, Subnet: netip.MustParsePrefix("10.0.0.0/8")}
	kitchen := policy.ClientProfile{ID: 2, Name: "kitchen", IsSubnet: true, Subnet: netip.MustParsePrefix("10.1.0.0/16")}
	laptop := policy.ClientProfile{ID: 3, Name: "laptop", IP: netip.MustParseAddr("10.1.2.3")}

	idx := clientindex.New([]policy.ClientProfile{kids, kitchen, laptop})

	t.Run("exact beats subnet", func(t *testing.T) {
		exact, subnet, ok := idx.Resolve(netip.MustParseAddr("10.1.2.3"))
		assert.True(t, ok)
		assert.Equal(t, "laptop", exact.Name)
		assert.Equal(t, "kitchen", subnet.Name)
	})

	t.Run("longest prefix wins among subnets", func(t *testing.T) {
		_, subnet, ok := idx.Resolve(netip.MustParseAddr("10.1.9.9"))
		assert.True(t, ok)
		assert.Equal(t, "kitchen", subnet.Name)
	})

	t.Run("falls back to shorter prefix outside the longer one", func(t *testing.T) {
		_, subnet, ok := idx.Resolve(netip.MustParseAddr("10.2.0.1"))
		assert.True(t, ok)
		assert.Equal(t, "kids", subnet.Name)
	})

	t.Run("wrong address family never matches", func(t *testing.T) {
		v6only := clientindex.New([]policy.ClientProfile{
			{ID: 4, IsSubnet: true, Subnet: netip.MustParsePrefix("::/0")},
		})

		_, subnet, ok := v6only.Resolve(netip.MustParseAddr("10.0.0.1"))
		assert.False(t, ok)
		assert.Nil(t, subnet)
	})

	t.Run("no match", func(t *testing.T) {
		_, _, ok := idx.Resolve(netip.MustParseAddr("192.168.1.1"))
		assert.False(t, ok)
	})
}
