//go:build linux

package kvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVirtioNetDeviceIdentityRegisters(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	d := newVirtioNetDevice(mem, nil)

	require.Equal(t, uint64(virtioMagicValue), d.Read(mmioMagicValue, 4))
	require.Equal(t, uint64(virtioMMIOVersion), d.Read(mmioVersion, 4))
	require.Equal(t, uint64(virtioDeviceIDNet), d.Read(mmioDeviceID, 4))
	require.Equal(t, uint64(virtioVendorID), d.Read(mmioVendorID, 4))
}

func TestVirtioNetDeviceQueueSetupRegisters(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	d := newVirtioNetDevice(mem, nil)

	d.Write(mmioQueueSel, 4, virtQueueTX)
	require.Equal(t, uint64(virtQueueMaxSize), d.Read(mmioQueueNumMax, 4))

	d.Write(mmioQueueNum, 4, 64)
	d.Write(mmioQueueDescLow, 4, 0x1000)
	d.Write(mmioQueueDescHigh, 4, 0)
	d.Write(mmioQueueDriverLow, 4, 0x2000)
	d.Write(mmioQueueDriverHigh, 4, 0)
	d.Write(mmioQueueDeviceLow, 4, 0x3000)
	d.Write(mmioQueueDeviceHigh, 4, 0)
	d.Write(mmioQueueReady, 4, 1)

	require.Equal(t, uint64(1), d.Read(mmioQueueReady, 4))

	q := d.queues[virtQueueTX]
	require.Equal(t, uint32(64), q.size)
	require.Equal(t, uint64(0x1000), q.descAddr)
	require.Equal(t, uint64(0x2000), q.availAddr)
	require.Equal(t, uint64(0x3000), q.usedAddr)
	require.True(t, q.ready)
}

func TestVirtioNetDeviceInterruptAckLowersISR(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	d := newVirtioNetDevice(mem, nil)

	d.mu.Lock()
	d.raiseIRQLocked()
	d.mu.Unlock()
	require.Equal(t, uint64(1), d.Read(mmioInterruptStatus, 4))

	d.Write(mmioInterruptACK, 4, 1)
	require.Equal(t, uint64(0), d.Read(mmioInterruptStatus, 4))
}

func TestVirtioNetDeviceStatusResetClearsQueues(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	d := newVirtioNetDevice(mem, nil)

	d.Write(mmioQueueSel, 4, virtQueueRX)
	d.Write(mmioQueueNum, 4, 32)
	d.Write(mmioStatus, 4, 7)
	require.Equal(t, uint32(32), d.queues[virtQueueRX].size)

	d.Write(mmioStatus, 4, 0)
	require.Equal(t, uint32(0), d.queues[virtQueueRX].size)
	require.Equal(t, uint64(0), d.Read(mmioStatus, 4))
}

func TestVirtioNetDeviceConfigExposesMAC(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	d := newVirtioNetDevice(mem, nil)

	var mac [6]byte
	for i := range mac {
		mac[i] = byte(d.Read(mmioConfig+uint64(i), 1))
	}
	require.Equal(t, d.macAddr, mac)
}
