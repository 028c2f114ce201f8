package common

import (
	"math/big"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrInt(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.255")
	require.Equal(t, big.NewInt(0x0a0000ff), Addr2int(a))
	back, ok := Int2addr(Addr2int(a), true)
	require.True(t, ok)
	require.Equal(t, a, back)

	_, ok = Int2addr(new(big.Int).Lsh(big.NewInt(1), 32), true)
	require.False(t, ok)
	_, ok = Int2addr(big.NewInt(-1), false)
	require.False(t, ok)
}

func TestAddrAdd(t *testing.T) {
	a, ok := AddrAdd(netip.MustParseAddr("10.0.0.255"), big.NewInt(1))
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.0.1.0"), a)

	_, ok = AddrAdd(netip.MustParseAddr("255.255.255.255"), big.NewInt(1))
	require.False(t, ok)

	a, ok = AddrAdd(netip.MustParseAddr("fd00::ffff"), big.NewInt(2))
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("fd00::1:1"), a)

	require.Equal(t, big.NewInt(257), AddrOffset(netip.MustParseAddr("10.0.0.0"), netip.MustParseAddr("10.0.1.1")))
}

func TestAddrCount(t *testing.T) {
	require.Equal(t, big.NewInt(256), AddrCount(netip.MustParsePrefix("10.0.0.0/24")))
	require.Equal(t, big.NewInt(1), AddrCount(netip.MustParsePrefix("10.0.0.1/32")))
	require.Equal(t, new(big.Int).Lsh(big.NewInt(1), 64), AddrCount(netip.MustParsePrefix("fd00::/64")))
}
