package ipam

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	_, cidr, err := net.ParseCIDR("10.42.0.0/30")
	require.NoError(t, err)
	pool, err := NewPool(cidr, net.ParseIP("10.42.0.1"))
	require.NoError(t, err)
	return pool
}

func TestReserveLowestFree(t *testing.T) {
	pool := testPool(t)

	ip, err := pool.Reserve(context.Background(), "container-a")
	require.NoError(t, err)
	require.Equal(t, "10.42.0.2", ip.String())
}

func TestReserveExhaustion(t *testing.T) {
	pool := testPool(t)

	_, err := pool.Reserve(context.Background(), "container-a")
	require.NoError(t, err)

	_, err = pool.Reserve(context.Background(), "container-b")
	require.Error(t, err)
}

func TestReleaseReturnsAddressToFreeList(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	ip, err := pool.Reserve(ctx, "container-a")
	require.NoError(t, err)

	require.NoError(t, pool.Release(ctx, "container-a"))

	ip2, err := pool.Reserve(ctx, "container-b")
	require.NoError(t, err)
	require.Equal(t, ip.String(), ip2.String())
}

func TestReleaseUnknownContainerIsNoop(t *testing.T) {
	pool := testPool(t)
	require.NoError(t, pool.Release(context.Background(), "never-allocated"))
}

func TestSizeAndFree(t *testing.T) {
	pool := testPool(t)
	require.Equal(t, 1, pool.Size()) // 10.42.0.0/30 minus network, broadcast, gateway
	require.Equal(t, 1, pool.Free())

	_, err := pool.Reserve(context.Background(), "container-a")
	require.NoError(t, err)
	require.Equal(t, 0, pool.Free())
	require.Equal(t, 1, pool.Size())
}
