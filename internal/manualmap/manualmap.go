// Package manualmap implements component C7, the Manual Mapper: the
// densest component in the system, replaying what the Windows loader
// would have done for a DLL — but from outside the target process.
// Grounded heavily on DarkiT-wireguard's (and tklauser's)
// memmod_windows.go, a real in-process manual-mapping implementation;
// every stage here is that file's technique adapted from "map into my
// own address space with a raw pointer" to "map into a foreign process
// through internal/remotemem and internal/loadertable", and on the
// teacher's import_resolver.go/dynlib.go for the per-import bookkeeping
// shape.
package manualmap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/peimage"
	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/strategy"
	"github.com/skyfiend/xordll/internal/xerr"
)

// Mapper is the standalone "strategy.Strategy" implementation for S4
// Manual Map — it never touches the OS loader.
type Mapper struct {
	mem     remotemem.Writer
	cache   *peimage.Cache
	logger  *zap.Logger
	flags   model.ManualMapFlag
	resolve ImportResolver
}

// ImportResolver resolves one (module, thunk) pair to a remote address.
// Grounded on the teacher's import_resolver.go/dynlib.go bookkeeping
// shape: per spec.md §4.C7 stage 7, resolution proxies through the
// *local* load of the same system module to get export addresses, then
// rebases those addresses onto wherever the target process has (or will
// have) that module loaded.
type ImportResolver interface {
	// EnsureModuleLoaded returns the target's base address for
	// moduleName, loading it via a remote thread if the loader table
	// does not already carry it.
	EnsureModuleLoaded(ctx context.Context, process uintptr, targetIs64 bool, moduleName string) (uintptr, error)
	// ResolveExport returns the remote address of name (or ordinal) in
	// a module already loaded at remoteBase.
	ResolveExport(moduleName string, remoteBase uintptr, thunk peimage.ImportThunk) (uintptr, error)
}

// New builds a Mapper. flags default to model.MapFlagDefault when zero.
func New(mem remotemem.Writer, cache *peimage.Cache, logger *zap.Logger, flags model.ManualMapFlag, resolver ImportResolver) *Mapper {
	if flags == model.MapFlagNone {
		flags = model.MapFlagDefault
	}
	return &Mapper{mem: mem, cache: cache, logger: logger, flags: flags, resolve: resolver}
}

// Metadata satisfies strategy.Strategy.
func (m *Mapper) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:          "manual",
		Description:   "Manual PE mapping without OS loader involvement",
		RequiresAdmin: false,
		SupportsX86:   true,
		SupportsX64:   true,
	}
}

// mapState threads the allocated region and parsed image through the
// ordered stages, so a failure at any later stage can roll back
// everything state built so far.
type mapState struct {
	img        *peimage.PeImage
	process    uintptr
	base       uintptr
	targetIs64 bool
}

// Inject runs all twelve stages of spec.md §4.C7 in order. Failures in
// stages 4-7, 9 and 10 roll back (free the remote allocation); a stage 8
// (TLS) failure is only logged. Stage 10 failure is always fatal, since
// a loaded module with a failed entry point must not be left behind.
func (m *Mapper) Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink strategy.ProgressSink) model.InjectionOutcome {
	notify := func(stage string) {
		if sink != nil {
			sink(stage)
		}
	}

	// Stage 1: read & parse.
	notify("parsing DLL")
	img, err := m.cache.Load(dllPath)
	if err != nil {
		return failure(err)
	}

	// Stage 2: architecture gate. Unconditional — no map flag permits a
	// bitness mismatch.
	if img.Is64Bit() != targetIs64 {
		return model.Failure("ProcessArchMismatch", 0, "DLL architecture does not match target process")
	}

	st := &mapState{img: img, process: process, targetIs64: targetIs64}

	// Stage 3: allocate.
	notify("allocating remote image")
	region, err := m.allocate(st)
	if err != nil {
		return failure(err)
	}
	st.base = region.Address

	rollback := func(cause error) model.InjectionOutcome {
		_ = m.mem.Free(region)
		return failure(cause)
	}

	// Stage 4: stage headers.
	notify("staging headers")
	if err := m.stageHeaders(st); err != nil {
		return rollback(err)
	}

	// Stage 5: copy sections.
	notify("copying sections")
	if err := m.copySections(st); err != nil {
		return rollback(err)
	}

	// Stage 6: relocate.
	notify("applying relocations")
	if err := m.relocate(st); err != nil {
		return rollback(err)
	}

	// Stage 7: resolve imports.
	notify("resolving imports")
	if m.resolve != nil {
		if err := m.resolveImports(ctx, st); err != nil {
			return rollback(err)
		}
	}

	// Stage 8: TLS — intentionally soft, per spec.md.
	notify("running TLS callbacks")
	if m.flags.Has(model.MapFlagHandleTLS) {
		if err := m.runTLSCallbacks(st); err != nil {
			m.logger.Warn("TLS callback pass failed, continuing", zap.Error(err))
		}
	}

	// Stage 9: protect.
	if m.flags.Has(model.MapFlagAdjustProtections) {
		notify("adjusting section protections")
		if err := m.protectSections(st); err != nil {
			return rollback(err)
		}
	}

	// Stage 10: invoke entry — fatal on failure.
	if img.EntryPointRVA != 0 {
		notify("invoking entry point")
		if err := m.invokeEntry(st); err != nil {
			return rollback(err)
		}
	}

	// Stage 11: clean headers.
	if m.flags.Has(model.MapFlagClearHeader) {
		notify("clearing headers")
		if err := m.clearHeaders(st); err != nil {
			m.logger.Warn("failed to clear headers", zap.Error(err))
		}
	}
	if m.flags.Has(model.MapFlagClearNonNeeded) {
		if err := m.clearDiscardableSections(st); err != nil {
			m.logger.Warn("failed to clear discardable sections", zap.Error(err))
		}
	}
	if m.flags.Has(model.MapFlagCleanDataDirs) {
		if err := m.cleanDataDirectories(st); err != nil {
			m.logger.Warn("failed to clean data directories", zap.Error(err))
		}
	}

	// Stage 12: return.
	return model.Success(st.base, st.base, uintptr(img.ImageSize), model.StrategyManualMap)
}

// Eject for S4 is "unmap": free the chosen base. There is no OS loader
// bookkeeping to undo.
func (m *Mapper) Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink strategy.ProgressSink) model.InjectionOutcome {
	if err := m.mem.Free(remotemem.Region{Process: process, Address: moduleBase}); err != nil {
		return failure(err)
	}
	return model.Success(0, moduleBase, 0, model.StrategyManualMap)
}

func failure(err error) model.InjectionOutcome {
	if xe, ok := err.(*xerr.Error); ok {
		return model.Failure(xe.Kind.String(), xe.OSCode, xe.Error())
	}
	return model.Failure("Unknown", 0, err.Error())
}

var entryInvokeTimeout = 5 * time.Second
