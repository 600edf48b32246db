package trap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/guestrace/internal/hypervisor"
)

func newFakeForFrame(t *testing.T, va hypervisor.GuestVA, pa hypervisor.GuestPA, orig byte) *hypervisor.Fake {
	t.Helper()
	hv := hypervisor.NewFake(1)
	hv.SetTranslation(va, pa)
	require.NoError(t, hv.WritePhys(pa, []byte{orig}))
	hv.WriteLog = nil // installation writes below should be what tests observe
	return hv
}

func TestInstallWritesBreakpointAndRecordsOriginal(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)

	table := NewTable(hv)
	bp, err := table.Install(0x1000, 7, true)
	require.NoError(t, err)
	assert.True(t, bp.Enabled())
	assert.Equal(t, hypervisor.GuestPA(0x2000), bp.PA)

	var buf [1]byte
	require.NoError(t, hv.ReadPhys(0x2000, buf[:]))
	assert.Equal(t, byte(0xCC), buf[0])
}

func TestInstallDisabledLeavesOriginalByte(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)

	table := NewTable(hv)
	bp, err := table.Install(0x1000, 1, false)
	require.NoError(t, err)
	assert.False(t, bp.Enabled())

	var buf [1]byte
	require.NoError(t, hv.ReadPhys(0x2000, buf[:]))
	assert.Equal(t, byte(0x55), buf[0])
}

func TestInstallTwiceSamePageSharesPageRecord(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetTranslation(0x1000, 0x2000)
	hv.SetTranslation(0x1008, 0x2008)
	require.NoError(t, hv.WritePhys(0x2000, []byte{0x55}))
	require.NoError(t, hv.WritePhys(0x2008, []byte{0x66}))

	table := NewTable(hv)
	bp1, err := table.Install(0x1000, 1, true)
	require.NoError(t, err)
	bp2, err := table.Install(0x1008, 2, true)
	require.NoError(t, err)

	assert.Equal(t, bp1.page, bp2.page)
}

func TestInstallDuplicateAddressReturnsExistingRecord(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)
	table := NewTable(hv)
	first, err := table.Install(0x1000, 1, true)
	require.NoError(t, err)
	second, err := table.Install(0x1000, 2, true)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLookupResolvesInstalledBreakpoint(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)
	table := NewTable(hv)
	bp, err := table.Install(0x1000, 3, true)
	require.NoError(t, err)

	found := table.Lookup(0x2000)
	require.NotNil(t, found)
	assert.Equal(t, bp, found)

	assert.Nil(t, table.Lookup(0x9999))
}

func TestEnableDisableRoundTrip(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)
	table := NewTable(hv)
	bp, err := table.Install(0x1000, 4, false)
	require.NoError(t, err)

	require.NoError(t, table.Enable(bp))
	var buf [1]byte
	require.NoError(t, hv.ReadPhys(0x2000, buf[:]))
	assert.Equal(t, byte(0xCC), buf[0])

	require.NoError(t, table.Disable(bp))
	require.NoError(t, hv.ReadPhys(0x2000, buf[:]))
	assert.Equal(t, byte(0x55), buf[0])
}

func TestRemoveRestoresOriginalAndTearsDownEmptyPage(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)
	table := NewTable(hv)
	bp, err := table.Install(0x1000, 5, true)
	require.NoError(t, err)

	require.NoError(t, table.Remove(bp))

	var buf [1]byte
	require.NoError(t, hv.ReadPhys(0x2000, buf[:]))
	assert.Equal(t, byte(0x55), buf[0])
	assert.Nil(t, table.Lookup(0x2000))
}

func TestRWFaultRestoresOriginalsAndArmsXEvent(t *testing.T) {
	hv := newFakeForFrame(t, 0x1000, 0x2000, 0x55)
	table := NewTable(hv)
	bp, err := table.Install(0x1000, 6, true)
	require.NoError(t, err)

	hv.TriggerMemFault(0, 0x1000, hypervisor.FrameOf(bp.PA), hypervisor.MemRW)
	require.NoError(t, hv.Listen(context.Background(), time.Second))

	var buf [1]byte
	require.NoError(t, hv.ReadPhys(0x2000, buf[:]))
	assert.Equal(t, byte(0x55), buf[0], "rw fault should restore the original byte")
	assert.False(t, bp.page.armedRW)
}
