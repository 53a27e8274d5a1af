// Package engine implements component C12, the Engine Facade: the
// orchestrator composing C1-C11 behind the six operations spec.md §6's
// CLI table names (inject, eject, list, info, profile, monitor).
// cmd/xordll is a thin wrapper over this package, the same way the
// teacher keeps its own command dispatch (cli.go) thin over its core
// diff/compile logic.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/antidetect"
	"github.com/skyfiend/xordll/internal/autoinject"
	"github.com/skyfiend/xordll/internal/config"
	"github.com/skyfiend/xordll/internal/manualmap"
	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/peimage"
	"github.com/skyfiend/xordll/internal/procdir"
	"github.com/skyfiend/xordll/internal/procmon"
	"github.com/skyfiend/xordll/internal/profilestore"
	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/strategy"
	"github.com/skyfiend/xordll/internal/xerr"
)

// injectAccess is the access mask every strategy needs against a target
// process: thread creation plus VM read/write/operation and a query
// right for WoW64 probing.
const injectAccess = 0x0002 /* PROCESS_CREATE_THREAD */ |
	0x0400 /* PROCESS_QUERY_INFORMATION */ |
	0x0008 /* PROCESS_VM_OPERATION */ |
	0x0020 /* PROCESS_VM_WRITE */ |
	0x0010 /* PROCESS_VM_READ */

// processAccessor opens a target process with a caller-specified access
// mask; implemented per-OS (see engine_windows.go) so this file imports
// no OS-specific package directly.
type processAccessor interface {
	Open(pid uint32, access uint32) (handle uintptr, closeHandle func(), err error)
}

// Engine wires every component together behind one facade. One Engine
// is built per process lifetime; Close stops the process monitor.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	dir      *procdir.Directory
	peCache  *peimage.Cache
	mem      remotemem.Writer
	opener   processAccessor
	registry *strategy.Registry
	profiles *profilestore.Store

	monitor *procmon.Monitor
	auto    *autoinject.AutoInjector
}

// New builds an Engine from resolved configuration. The profile store
// is opened eagerly (a missing file just starts empty); every other
// component is constructed but the process monitor is not started
// until WatchProfile is called.
func New(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.EnableDebugPrivilege {
		if err := procdir.EnableDebugPrivilege(); err != nil {
			logger.Warn("could not enable SeDebugPrivilege", zap.Error(err))
		}
	}

	profiles, err := profilestore.Open(cfg.ProfilePath())
	if err != nil {
		return nil, err
	}

	mem := remotemem.New()
	peCache := peimage.NewCache()
	resolver := newImportResolver(mem)
	mapper := manualmap.New(mem, peCache, logger, model.MapFlagDefault, resolver)
	registry := strategy.NewRegistry(mem, logger, mapper)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		dir:      procdir.New(),
		peCache:  peCache,
		mem:      mem,
		opener:   newPlatformAccessor(),
		registry: registry,
		profiles: profiles,
	}

	e.auto = autoinject.New(registry, autoinject.NewWindowsOpener(), logger)
	e.monitor = procmon.New(e.dir, e.auto.OnEvent, logger).WithInterval(cfg.PollInterval)

	return e, nil
}

// Close stops the process monitor, if running.
func (e *Engine) Close() {
	e.monitor.Stop()
}

// InjectRequest carries everything one inject operation needs; Pid or
// ProcessName selects the target, per spec.md §6's "--pid or --name".
type InjectRequest struct {
	Pid         uint32
	ProcessName string
	DllPath     string
	Strategy    model.Strategy
	DelayMs     int
	AntiDetect  model.AntiDetectFlag
	SpoofName   string
}

// resolveTarget refreshes the process directory and finds the
// requested process by pid or by (first, case-insensitive substring)
// name match.
func (e *Engine) resolveTarget(pid uint32, name string) (model.ProcessDescriptor, error) {
	if err := e.dir.Refresh(); err != nil && err != procdir.ErrBusy {
		return model.ProcessDescriptor{}, err
	}

	if pid != 0 {
		p, ok := e.dir.FindByPid(pid)
		if !ok {
			return model.ProcessDescriptor{}, xerr.New(xerr.ProcessNotFound, fmt.Sprintf("no process with pid %d", pid), nil)
		}
		return p, nil
	}

	matches := e.dir.FilterByName(name)
	if len(matches) == 0 {
		return model.ProcessDescriptor{}, xerr.New(xerr.ProcessNotFound, "no process matching name "+name, nil)
	}
	return matches[0], nil
}

// Inject validates the DLL and target, opens a rights-limited handle,
// runs the selected strategy, and — on success, when requested — runs
// the anti-detection pass against the freshly loaded module.
func (e *Engine) Inject(req InjectRequest) (model.InjectionOutcome, error) {
	target, err := e.resolveTarget(req.Pid, req.ProcessName)
	if err != nil {
		return model.InjectionOutcome{}, err
	}

	img, err := e.peCache.Load(req.DllPath)
	if err != nil {
		return model.InjectionOutcome{}, err
	}
	if img.Is64Bit() != target.Is64Bit {
		return model.Failure("DllArchMismatch", 0,
			fmt.Sprintf("%s is %s but target pid %d is %s", req.DllPath, bitnessLabel(img.Is64Bit()), target.Pid, bitnessLabel(target.Is64Bit))), nil
	}

	impl, ok := e.registry.Get(req.Strategy)
	if !ok {
		return model.InjectionOutcome{}, xerr.New(xerr.InvalidArgument, "unknown strategy "+req.Strategy.String(), nil)
	}

	handle, closeHandle, err := e.opener.Open(target.Pid, injectAccess)
	if err != nil {
		return model.InjectionOutcome{}, err
	}
	defer closeHandle()

	if req.DelayMs > 0 {
		time.Sleep(time.Duration(req.DelayMs) * time.Millisecond)
	}

	outcome := impl.Inject(context.Background(), handle, req.DllPath, target.Is64Bit, nil)
	if outcome.IsSuccess() && req.AntiDetect != model.AntiDetectNone {
		e.runAntiDetect(handle, target.Is64Bit, outcome.BaseAddress, img, req.AntiDetect, req.SpoofName)
	}
	return outcome, nil
}

// runAntiDetect applies the requested techniques against a just-loaded
// module; failures are logged (per spec.md's "a pass that cannot
// complete every technique still reports what succeeded") and never
// turn a successful injection into a reported failure.
func (e *Engine) runAntiDetect(process uintptr, is64 bool, moduleBase uintptr, img *peimage.PeImage, flags model.AntiDetectFlag, spoofName string) {
	debugRVA, debugSize := uint32(0), uint32(0)
	if img.Debug != nil {
		debugRVA, debugSize = img.Debug.AddressOfRawData, img.Debug.SizeOfData
	}

	pass, err := newAntiDetectPass(e.mem, process, is64, e.logger)
	if err != nil {
		e.logger.Warn("anti-detect pass could not start", zap.Error(err))
		return
	}
	if _, err := pass.Apply(moduleBase, img.Opt.SizeOfHeaders, debugRVA, debugSize, img.DebugDataDirectoryRVA(), flags, antidetect.Options{SpoofName: spoofName}); err != nil {
		e.logger.Warn("anti-detect pass failed", zap.Error(err))
	}
}

func bitnessLabel(is64 bool) string {
	if is64 {
		return "64-bit"
	}
	return "32-bit"
}

// Eject finds the target by pid, then asks the given strategy to
// unload moduleBase from it.
func (e *Engine) Eject(pid uint32, moduleBase uintptr, strat model.Strategy) (model.InjectionOutcome, error) {
	target, err := e.resolveTarget(pid, "")
	if err != nil {
		return model.InjectionOutcome{}, err
	}
	impl, ok := e.registry.Get(strat)
	if !ok {
		return model.InjectionOutcome{}, xerr.New(xerr.InvalidArgument, "unknown strategy "+strat.String(), nil)
	}

	handle, closeHandle, err := e.opener.Open(target.Pid, injectAccess)
	if err != nil {
		return model.InjectionOutcome{}, err
	}
	defer closeHandle()

	return impl.Eject(context.Background(), handle, moduleBase, target.Is64Bit, nil), nil
}

// ListProcesses refreshes the directory and returns every process
// whose name contains filter (case-insensitive); an empty filter
// returns the full snapshot.
func (e *Engine) ListProcesses(filter string) ([]model.ProcessDescriptor, error) {
	if err := e.dir.Refresh(); err != nil && err != procdir.ErrBusy {
		return nil, err
	}
	if filter == "" {
		return e.dir.List(), nil
	}
	return e.dir.FilterByName(filter), nil
}

// ListModules opens the target and walks its loader table, for the
// `list --modules` CLI flag.
func (e *Engine) ListModules(pid uint32) ([]model.LoaderEntry, error) {
	target, err := e.resolveTarget(pid, "")
	if err != nil {
		return nil, err
	}

	handle, closeHandle, err := e.opener.Open(target.Pid, injectAccess)
	if err != nil {
		return nil, err
	}
	defer closeHandle()

	return listRemoteModules(e.mem, handle, target.Is64Bit)
}

// InfoResult bundles whichever of process/dll info was requested.
type InfoResult struct {
	Process *model.ProcessDescriptor
	Dll     *model.DllDescriptor
}

// Info resolves process info by pid and/or DLL info by path, matching
// spec.md §6's `info --pid|--dll` command.
func (e *Engine) Info(pid uint32, dllPath string) (InfoResult, error) {
	var res InfoResult

	if pid != 0 {
		p, err := e.resolveTarget(pid, "")
		if err != nil {
			return res, err
		}
		res.Process = &p
	}

	if dllPath != "" {
		d, err := e.peCache.Describe(dllPath)
		if err != nil {
			return res, err
		}
		res.Dll = &d
	}

	if res.Process == nil && res.Dll == nil {
		return res, xerr.New(xerr.InvalidArgument, "info requires --pid or --dll", nil)
	}
	return res, nil
}

// Profiles exposes the profile store directly; the CLI's `profile`
// subcommand operates on it one verb at a time (--list/--run/--export/--import).
func (e *Engine) Profiles() *profilestore.Store { return e.profiles }

// RunProfile injects according to a stored profile's fields.
func (e *Engine) RunProfile(p model.InjectionProfile) (model.InjectionOutcome, error) {
	strat := model.Strategy(p.Method)
	req := InjectRequest{
		ProcessName: p.TargetProcess,
		DllPath:     p.DllPath,
		Strategy:    strat,
		DelayMs:     p.InjectionDelayMs,
		AntiDetect:  p.AntiDetect,
	}
	return e.Inject(req)
}

// WatchProfile installs an auto-injector rule for the profile and
// starts the monitor if it is not already running, per spec.md's
// "auto-inject on launch" scenario. The profile's AutoInject flag is
// not consulted.
func (e *Engine) WatchProfile(p model.InjectionProfile) {
	folded := strings.ToLower(p.TargetProcess)
	e.monitor.Watch(folded)
	e.auto.SetRule(
		model.InjectionRule{ProcessNameFolded: folded, DllPath: p.DllPath, Strategy: model.Strategy(p.Method), DelayMs: p.InjectionDelayMs},
		autoinject.RetryPolicy{KeepTrying: p.KeepTrying, MaxRetries: p.MaxRetries, RetryDelayMs: p.RetryDelayMs},
	)
	e.monitor.Start()
}

// MonitorStats returns the auto-injector's attempt/success/failure counters.
func (e *Engine) MonitorStats() autoinject.Stats { return e.auto.Stats() }

// StopMonitor stops the process monitor without tearing down the rest
// of the engine.
func (e *Engine) StopMonitor() { e.monitor.Stop() }
