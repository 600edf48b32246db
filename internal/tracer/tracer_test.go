package tracer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/guestrace/internal/hypervisor"
	"github.com/guestrace/guestrace/internal/trap"
)

const testListenTimeout = time.Second

func bgListen(t *testing.T, hv *hypervisor.Fake) {
	t.Helper()
	require.NoError(t, hv.Listen(context.Background(), testListenTimeout))
}

// harness wires a Fake introspector, a trap.Table, a Dispatcher, and a
// Router together the way cmd/guestrace's initialization does (spec.md
// §5's init ordering), for use by the seed scenarios below.
type harness struct {
	hv         *hypervisor.Fake
	table      *trap.Table
	dispatcher *Dispatcher
	router     *Router
	returnSite *trap.Breakpoint
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hv := hypervisor.NewFake(1)
	table := trap.NewTable(hv)

	hv.SetTranslation(0xFFFFF80000300000, 0x300000)
	require.NoError(t, hv.WritePhys(0x300000, []byte{0x90}))
	returnSite, err := table.Install(0xFFFFF80000300000, trap.SentinelIdentifier, false)
	require.NoError(t, err)

	dispatcher := NewDispatcher(nil, nil, nil)

	router := NewRouter(hv, table, dispatcher, returnSite, nil)
	_, err = router.Register()
	require.NoError(t, err)

	return &harness{hv: hv, table: table, dispatcher: dispatcher, router: router, returnSite: returnSite}
}

// S1: install at a kernel VA, verify 0xCC is written, verify shutdown
// restores the original byte.
func TestS1InstallAndShutdown(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetTranslation(0xFFFFF80000102000, 0x102000)
	require.NoError(t, hv.WritePhys(0x102000, []byte{0x48}))

	table := trap.NewTable(hv)
	bp, err := table.Install(0xFFFFF80000102000, 1, true)
	require.NoError(t, err)
	assertByte(t, hv, bp.PA, 0xCC)

	require.NoError(t, table.Close())
	assertByte(t, hv, bp.PA, 0x48)
}

// S2: an INT3 at an uninstrumented address is reinjected with no state
// change.
func TestS2UnknownInterruptReinjects(t *testing.T) {
	h := newHarness(t)

	resp := h.router.onInterrupt(0, 0xFFFFF80000200000)
	assert.Equal(t, hypervisor.ResponseEmulate, resp)
}

// S3: an INT3 at an installed entry record invokes the entry callback,
// enables the return-site record, and requests a single-step that
// re-emplaces the entry breakpoint.
func TestS3SyscallEntry(t *testing.T) {
	h := newHarness(t)

	hv := h.hv
	hv.SetTranslation(0xFFFFF80000101000, 0x101000)
	require.NoError(t, hv.WritePhys(0x101000, []byte{0x55}))
	entryBP, err := h.table.Install(0xFFFFF80000101000, 2, true)
	require.NoError(t, err)

	var entryFired bool
	h.dispatcher.entry = func(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint, pid, tid uint32) any {
		entryFired = true
		return "P"
	}

	resp := h.router.onInterrupt(0, 0xFFFFF80000101000)
	assert.Equal(t, hypervisor.ResponseNone, resp)
	assert.True(t, entryFired)
	assert.True(t, h.returnSite.Enabled())
	assertByte(t, hv, entryBP.PA, 0xCC)

	state, ok := h.dispatcher.pending[pendingKey{VCPU: 0, TID: 0}]
	require.True(t, ok)
	assert.Equal(t, "P", state)
}

// S4: with the return-site record enabled, an INT3 at it invokes the
// return callback with the previously stashed state, then disables the
// return-site record with no single-step requested.
func TestS4SyscallReturn(t *testing.T) {
	h := newHarness(t)

	h.dispatcher.pending[pendingKey{VCPU: 0, TID: 0}] = "P"
	require.NoError(t, h.table.Enable(h.returnSite))

	var gotState any
	h.dispatcher.ret = func(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint, state any) {
		gotState = state
	}

	resp := h.router.onInterrupt(0, 0xFFFFF80000300000)
	assert.Equal(t, hypervisor.ResponseNone, resp)
	assert.Equal(t, "P", gotState)
	assert.False(t, h.returnSite.Enabled())
}

// S5/S6: a page-rw fault restores every child's original byte and arms
// the x event; a following page-x fault re-emplaces every child's
// breakpoint byte and re-arms the rw event.
func TestS5S6CoherenceToggle(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetTranslation(0x1000, 0x2000)
	hv.SetTranslation(0x1008, 0x2008)
	hv.SetTranslation(0x1010, 0x2010)
	require.NoError(t, hv.WritePhys(0x2000, []byte{0x48}))
	require.NoError(t, hv.WritePhys(0x2008, []byte{0x55}))
	require.NoError(t, hv.WritePhys(0x2010, []byte{0x90}))

	table := trap.NewTable(hv)
	bp1, err := table.Install(0x1000, 1, true)
	require.NoError(t, err)
	bp2, err := table.Install(0x1008, 2, true)
	require.NoError(t, err)
	bp3, err := table.Install(0x1010, 3, true)
	require.NoError(t, err)

	frame := hypervisor.FrameOf(bp1.PA)
	hv.TriggerMemFault(0, 0x1000, frame, hypervisor.MemRW)
	bgListen(t, hv)

	assertByte(t, hv, bp1.PA, 0x48)
	assertByte(t, hv, bp2.PA, 0x55)
	assertByte(t, hv, bp3.PA, 0x90)

	hv.TriggerMemFault(0, 0x1000, frame, hypervisor.MemX)
	bgListen(t, hv)

	assertByte(t, hv, bp1.PA, 0xCC)
	assertByte(t, hv, bp2.PA, 0xCC)
	assertByte(t, hv, bp3.PA, 0xCC)
}

func assertByte(t *testing.T, hv *hypervisor.Fake, pa hypervisor.GuestPA, want byte) {
	t.Helper()
	var buf [1]byte
	require.NoError(t, hv.ReadPhys(pa, buf[:]))
	assert.Equal(t, want, buf[0])
}
