package syscallabi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/guestrace/internal/hypervisor"
)

func TestDecodeReadsArgRegistersInOrder(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetRegister(0, hypervisor.RegRDI, 1)
	hv.SetRegister(0, hypervisor.RegRSI, 2)
	hv.SetRegister(0, hypervisor.RegRDX, 3)

	sig := Signature{Name: "openat", Args: []ArgKind{ArgInt, ArgPointer, ArgInt}}
	args, err := Decode(hv, 0, sig)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, uint64(1), args[0].Value)
	assert.Equal(t, uint64(2), args[1].Value)
	assert.Equal(t, uint64(3), args[2].Value)
}

func TestDecodeReadsStringArgument(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetTranslation(0x4000, 0x5000)
	hv.SetRegister(0, hypervisor.RegRDI, 0x4000)
	require.NoError(t, hv.WritePhys(0x5000, append([]byte("/etc/passwd"), 0)))

	sig := Signature{Name: "open", Args: []ArgKind{ArgString}}
	args, err := Decode(hv, 0, sig)
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", args[0].Str)
}

func TestDecodeReturnReadsRAX(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetRegister(0, hypervisor.RegRAX, 42)
	v, err := DecodeReturn(hv, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestStringFormatsArgs(t *testing.T) {
	sig := Signature{Name: "read", Args: []ArgKind{ArgInt, ArgPointer, ArgInt}}
	args := []Arg{{Kind: ArgInt, Value: 3}, {Kind: ArgPointer, Value: 0x7000}, {Kind: ArgInt, Value: 128}}
	assert.Equal(t, "read(3, 0x7000, 128)", String(sig, args))
}

func TestLinuxIdentityResolve(t *testing.T) {
	hv := hypervisor.NewFake(1)
	hv.SetRegister(0, hypervisor.RegGSBase, 0x9000)
	hv.SetTranslation(0x9000+16, 0xA000)
	taskVA := uint64(0xB000)
	require.NoError(t, hv.WritePhys(0xA000, leBytes(taskVA)))
	hv.SetTranslation(hypervisor.GuestVA(taskVA)+0x10, 0xC000)
	hv.SetTranslation(hypervisor.GuestVA(taskVA)+0x14, 0xC004)
	require.NoError(t, hv.WritePhys(0xC000, []byte{99, 0, 0, 0}))
	require.NoError(t, hv.WritePhys(0xC004, []byte{7, 0, 0, 0}))

	id := LinuxIdentity{CurrentTaskOffset: 16, PIDOffset: 0x10, TIDOffset: 0x14}
	pid, tid, err := id.Resolve(context.Background(), hv, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), pid)
	assert.Equal(t, uint32(7), tid)
}

func leBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
