package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresGuestName(t *testing.T) {
	_, err := Parse("guestrace", nil)
	assert.Error(t, err)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("guestrace", []string{"my-guest"})
	require.NoError(t, err)
	assert.Equal(t, "my-guest", cfg.GuestName)
	assert.Equal(t, defaultSyscalls, cfg.Syscalls)
	assert.Equal(t, 256, cfg.MemoryMB)
	assert.Equal(t, 1, cfg.NumVCPUs)
}

func TestParseCustomSyscalls(t *testing.T) {
	cfg, err := Parse("guestrace", []string{"-syscalls=sys_openat, sys_execve", "my-guest"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys_openat", "sys_execve"}, cfg.Syscalls)
}

func TestParseTooManyPositionalArgs(t *testing.T) {
	_, err := Parse("guestrace", []string{"guest-one", "guest-two"})
	assert.Error(t, err)
}
