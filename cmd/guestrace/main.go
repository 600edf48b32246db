// Command guestrace is a stealthy VMI breakpoint engine: it attaches to a
// running KVM guest, plants software breakpoints on a configured set of
// kernel syscalls, and reports each invocation and return until a
// termination signal asks it to shut down cleanly (spec.md §1, §5, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/guestrace/guestrace/internal/config"
	"github.com/guestrace/guestrace/internal/hypervisor"
	"github.com/guestrace/guestrace/internal/syscallabi"
	"github.com/guestrace/guestrace/internal/trap"
	"github.com/guestrace/guestrace/internal/tracer"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg, err := config.Parse("guestrace", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("fatal error")
		return exitFailure
	}

	log.Info("shutting down")
	return exitSuccess
}

func newLogger(cfg config.Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
	})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger.WithFields(logrus.Fields{
		"name":  "guestrace",
		"pid":   os.Getpid(),
		"guest": cfg.GuestName,
	})
}

// run performs the initialization/shutdown ordering spec.md §5 specifies
// exactly: pause guest, build the trap table, install the return-site
// trap disabled, install syscall-entry traps, resume guest; on exit,
// restore each record's original byte and unregister its page's memory
// events once the page is empty (trap.Table.Close), then release the
// hypervisor handle. The interrupt event is not cleared separately.
func run(cfg config.Config, log *logrus.Entry) error {
	symbols := hypervisor.NewSymbolTable()
	if cfg.SymbolsPath != "" {
		f, err := os.Open(cfg.SymbolsPath)
		if err != nil {
			return fmt.Errorf("open symbol table: %w", err)
		}
		defer f.Close()
		loaded, err := hypervisor.LoadKallsyms(f)
		if err != nil {
			return fmt.Errorf("load symbol table: %w", err)
		}
		symbols = loaded
	}

	hv, err := hypervisor.Open(hypervisor.Config{
		GuestName:   cfg.GuestName,
		MemoryBytes: uint64(cfg.MemoryMB) * 1024 * 1024,
		NumVCPUs:    cfg.NumVCPUs,
		Symbols:     symbols,
	})
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hv.Close()

	if err := hv.Pause(); err != nil {
		return fmt.Errorf("pause guest: %w", err)
	}

	table := trap.NewTable(hv)
	defer teardown(table, log)

	locator := tracer.NewLocator(hv)

	lstar, err := hv.ReadVCPURegister(0, hypervisor.RegLSTAR)
	if err != nil {
		return fmt.Errorf("read fast-syscall dispatcher address: %w", err)
	}
	returnSiteVA, err := locator.FindReturnSite(hypervisor.GuestVA(lstar))
	if err != nil {
		return fmt.Errorf("find syscall return site: %w", err)
	}

	returnSite, err := table.Install(returnSiteVA, trap.SentinelIdentifier, false)
	if err != nil {
		return fmt.Errorf("install return-site trap: %w", err)
	}

	sigTable := make(map[uint16]syscallabi.Signature)
	for i, name := range cfg.Syscalls {
		va, err := locator.ResolveSyscall(name)
		if err != nil {
			return fmt.Errorf("resolve syscall %q: %w", name, err)
		}
		identifier := uint16(i)
		if _, err := table.Install(va, identifier, true); err != nil {
			return fmt.Errorf("install breakpoint on %q: %w", name, err)
		}
		sigTable[identifier] = syscallabi.Signature{Name: name, Args: defaultArgShape}
		log.WithField("syscall", name).Info("installed breakpoint")
	}

	dispatcher := tracer.NewDispatcher(
		defaultEntryCallback(log, sigTable),
		defaultReturnCallback(log),
		identityResolver(cfg),
	)

	router := tracer.NewRouter(hv, table, dispatcher, returnSite, log)
	if _, err := router.Register(); err != nil {
		return fmt.Errorf("register interrupt trap: %w", err)
	}

	if err := hv.Resume(); err != nil {
		return fmt.Errorf("resume guest: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGALRM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received termination signal")
		cancel()
	}()

	loop := tracer.NewLoop(hv, log)
	return loop.Run(ctx)
}

// teardown unregisters events and restores every instrumented byte,
// attempting every record even if some fail (spec.md §5: "Failure to
// restore any byte leaves the guest with an illegal opcode at that site
// -- the implementation must attempt restoration for every record even
// if some fail").
func teardown(table *trap.Table, log *logrus.Entry) {
	if err := table.Close(); err != nil {
		log.WithError(err).Error("teardown did not fully restore guest memory")
	}
}

// defaultArgShape is a conservative three-integer-argument default used
// when cmd/guestrace has no more specific per-syscall signature; a real
// deployment would configure internal/syscallabi.Signature per
// identifier from a richer syscall table.
var defaultArgShape = []syscallabi.ArgKind{syscallabi.ArgInt, syscallabi.ArgInt, syscallabi.ArgInt}

// identityResolver builds a tracer.IdentityResolver from the operator's
// task_struct offsets (spec.md §4.9) when supplied, or nil to fall back
// to Dispatcher's default of pid 0 and tid = vcpu index.
func identityResolver(cfg config.Config) tracer.IdentityResolver {
	if cfg.CurrentTaskOffset == 0 {
		return nil
	}
	li := syscallabi.LinuxIdentity{
		CurrentTaskOffset: cfg.CurrentTaskOffset,
		PIDOffset:         cfg.PIDOffset,
		TIDOffset:         cfg.TIDOffset,
	}
	return func(hv hypervisor.Introspector, vcpu int) (pid, tid uint32, err error) {
		return li.Resolve(context.Background(), hv, vcpu)
	}
}

func defaultEntryCallback(log *logrus.Entry, sigs map[uint16]syscallabi.Signature) tracer.EntryFunc {
	return func(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint, pid, tid uint32) any {
		sig, ok := sigs[bp.Identifier]
		if !ok {
			sig = syscallabi.Signature{Name: "unknown"}
		}
		args, err := syscallabi.Decode(hv, vcpu, sig)
		if err != nil {
			log.WithError(err).Warn("failed to decode syscall arguments")
			return nil
		}
		log.WithFields(logrus.Fields{"pid": pid, "tid": tid, "vcpu": vcpu}).
			Info(syscallabi.String(sig, args))
		return sig.Name
	}
}

func defaultReturnCallback(log *logrus.Entry) tracer.ReturnFunc {
	return func(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint, state any) {
		ret, err := syscallabi.DecodeReturn(hv, vcpu)
		if err != nil {
			log.WithError(err).Warn("failed to decode syscall return value")
			return
		}
		log.WithFields(logrus.Fields{"vcpu": vcpu, "syscall": state}).
			Infof("-> %d", int64(ret))
	}
}
