package fabric

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVethNamesAreDeterministicAndBounded(t *testing.T) {
	host, ctr := vethNames("c1f2e3d4-aaaa-bbbb-cccc-ddddeeeeffff")
	require.Equal(t, "qhc1f2e3d4-aa", host)
	require.Equal(t, "qcc1f2e3d4-aa", ctr)
	require.LessOrEqual(t, len(host), 15) // IFNAMSIZ-1
	require.LessOrEqual(t, len(ctr), 15)

	host2, ctr2 := vethNames("c1f2e3d4-aaaa-bbbb-cccc-ddddeeeeffff")
	require.Equal(t, host, host2)
	require.Equal(t, ctr, ctr2)
}

func TestRetryNetlinkSucceedsEventually(t *testing.T) {
	attempts := 0
	err := retryNetlink(func() error {
		attempts++
		if attempts < 2 {
			return syscall.EBUSY
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryNetlinkGivesUpOnHardError(t *testing.T) {
	wantErr := errors.New("not ours")
	calls := 0
	err := retryNetlink(func() error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls)
}

func TestRetryNetlinkExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retryNetlink(func() error {
		calls++
		return syscall.EBUSY
	})
	require.ErrorIs(t, err, syscall.EBUSY)
	require.Equal(t, maxAttempts, calls)
}
