package nat

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/the-void-ia/voidbox/internal/vmm"
)

func TestFlowTableEnforcesConcurrencyCap(t *testing.T) {
	f := newFlowTable(2, 0)
	require.True(t, f.tryAdmit())
	require.True(t, f.tryAdmit())
	require.False(t, f.tryAdmit())

	f.release()
	require.True(t, f.tryAdmit())
}

func TestFlowTableEnforcesRateCap(t *testing.T) {
	f := newFlowTable(0, 2)
	require.True(t, f.tryAdmit())
	require.True(t, f.tryAdmit())
	require.False(t, f.tryAdmit())

	f.windowStart = f.windowStart.Add(-2 * time.Second)
	require.True(t, f.tryAdmit())
}

func TestFlowTableUncappedWhenZero(t *testing.T) {
	f := newFlowTable(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, f.tryAdmit())
	}
}

func TestDeniedMatchesCIDR(t *testing.T) {
	sec := vmm.SecurityPolicy{DenyCIDRs: []string{"10.0.0.0/8", "169.254.0.0/16"}}
	require.True(t, denied(sec, net.ParseIP("10.1.2.3")))
	require.True(t, denied(sec, net.ParseIP("169.254.169.254")))
	require.False(t, denied(sec, net.ParseIP("8.8.8.8")))
}
