// Package config parses cmd/guestrace's command-line surface: one
// required positional argument (the guest name) plus optional flags for
// the monitored-syscall list, the kallsyms symbol table path, and log
// level (spec.md §6, expanded per SPEC_FULL.md's ambient-stack
// section). Modeled on the teacher pack's flag.StringVar/flag.Parse
// style rather than a third-party CLI framework, since none of the
// retrieved example repos reach for one for a single-binary tool like
// this.
package config

import (
	"flag"
	"fmt"
	"strings"
)

// defaultSyscalls mirrors the original guestrace source's
// MONITORED_SYSCALLS default list, translated to the Linux x86-64
// syscall names this repository targets instead of the Windows NT ones
// trace_syscalls.c hardcodes.
var defaultSyscalls = []string{"sys_openat", "sys_read", "sys_write", "sys_close"}

// Config is the fully parsed operator-facing configuration.
type Config struct {
	// GuestName is the single required positional argument (spec.md §6).
	GuestName string
	// Syscalls is the list of kernel symbol names to instrument.
	Syscalls []string
	// SymbolsPath is a kallsyms-formatted file mapping symbol name to
	// guest virtual address (internal/hypervisor.LoadKallsyms).
	SymbolsPath string
	// MemoryMB sizes the guest-physical memory region this binary's
	// self-contained KVM instance maps.
	MemoryMB int
	// NumVCPUs is the number of vCPUs to create.
	NumVCPUs int
	// LogLevel is a logrus level name ("debug", "info", "warn", "error").
	LogLevel string
	// CurrentTaskOffset/PIDOffset/TIDOffset locate the running task_struct
	// and its pid/tid fields for the guest kernel build being traced
	// (spec.md §4.9's identification boundary: guest-internals, so these
	// are operator-supplied rather than discovered). Zero means identity
	// resolution is left at its default of pid 0 and tid = vcpu index.
	CurrentTaskOffset uint64
	PIDOffset         uint64
	TIDOffset         uint64
}

// Parse parses args (ordinarily os.Args[1:]) into a Config. Returns a
// usage error (non-nil) if the single required positional guest-name
// argument is missing.
func Parse(progName string, args []string) (Config, error) {
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	var cfg Config
	var syscalls string

	fs.StringVar(&syscalls, "syscalls", strings.Join(defaultSyscalls, ","),
		"comma-separated list of kernel symbol names to instrument")
	fs.StringVar(&cfg.SymbolsPath, "symbols", "",
		"path to a kallsyms-formatted kernel symbol table")
	fs.IntVar(&cfg.MemoryMB, "memory-mb", 256, "guest memory size in MiB")
	fs.IntVar(&cfg.NumVCPUs, "vcpus", 1, "number of vCPUs")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.Uint64Var(&cfg.CurrentTaskOffset, "current-task-offset", 0,
		"byte offset of the percpu current-task pointer from gs base (0 disables PID/TID resolution)")
	fs.Uint64Var(&cfg.PIDOffset, "pid-offset", 0, "byte offset of pid within task_struct")
	fs.Uint64Var(&cfg.TIDOffset, "tid-offset", 0, "byte offset of tid within task_struct")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if fs.NArg() != 1 {
		return Config{}, fmt.Errorf("usage: %s [flags] <guest-name>", progName)
	}
	cfg.GuestName = fs.Arg(0)
	cfg.Syscalls = splitNonEmpty(syscalls)

	return cfg, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
