package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNop(t *testing.T) {
	inst, err := Decode([]byte{0x90}, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Len)
	assert.Equal(t, uint64(0x1000), inst.Addr)
}

func TestIsCallIndirectRegMatches(t *testing.T) {
	// 41 ff d2 == call r10
	code := []byte{0x41, 0xff, 0xd2}
	inst, err := Decode(code, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Len)
	assert.True(t, IsCallIndirectReg(inst, "R10"))
	assert.False(t, IsCallIndirectReg(inst, "R11"))
}

func TestNextInstructionAddr(t *testing.T) {
	code := []byte{0x41, 0xff, 0xd2}
	inst, err := Decode(code, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2003), NextInstructionAddr(inst))
}

func TestFindLocatesCallR10(t *testing.T) {
	// nop; nop; call r10; nop
	code := []byte{0x90, 0x90, 0x41, 0xff, 0xd2, 0x90}
	addr, err := Find(code, 0x3000, func(i Instruction) bool {
		return IsCallIndirectReg(i, "R10")
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3002), addr)
}

func TestFindNoMatch(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90}
	_, err := Find(code, 0x4000, func(i Instruction) bool { return false })
	assert.ErrorIs(t, err, ErrNoMatch)
}
