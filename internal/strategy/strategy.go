// Package strategy implements component C6, Injection Strategies: the
// five interchangeable ways to get a DLL running inside a target
// process, behind one shared contract. Grounded on naviNBRuas-APA's
// ProcessInjector (a small struct implementing an inject contract,
// logger-injected, one struct per mechanism) restructured around a
// Strategy interface so the engine can select among S1..S5 uniformly,
// and on lcalzada-xor-wmap's injector.go naming (Inject/Eject).
package strategy

import (
	"context"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/remotemem"
)

// ProgressSink receives free-form progress notifications during an
// Inject/Eject call, the "progress-sink" parameter spec.md's C6
// contract names.
type ProgressSink func(stage string)

// Metadata is the static descriptor every strategy advertises per
// spec.md §4.C6: (name, description, requires-admin, supports-x86,
// supports-x64).
type Metadata struct {
	Name            string
	Description     string
	RequiresAdmin   bool
	SupportsX86     bool
	SupportsX64     bool
}

// Strategy is the shared contract all five injection mechanisms expose.
type Strategy interface {
	Metadata() Metadata
	Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink ProgressSink) model.InjectionOutcome
	Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink ProgressSink) model.InjectionOutcome
}

// deps bundles the collaborators every strategy needs, so each
// constructor takes one small struct instead of a long parameter list.
type deps struct {
	mem    remotemem.Writer
	logger *zap.Logger
}

func notify(sink ProgressSink, stage string) {
	if sink != nil {
		sink(stage)
	}
}

// checkArchSupport enforces spec.md's "strategy selection is orthogonal
// to target arch" rule up front, before any OS call is attempted.
func checkArchSupport(meta Metadata, targetIs64 bool) (model.InjectionOutcome, bool) {
	if targetIs64 && !meta.SupportsX64 {
		return model.Failure("ProcessArchMismatch", 0, meta.Name+" does not support 64-bit targets"), false
	}
	if !targetIs64 && !meta.SupportsX86 {
		return model.Failure("ProcessArchMismatch", 0, meta.Name+" does not support 32-bit targets"), false
	}
	return model.InjectionOutcome{}, true
}

// Registry exposes every strategy keyed by model.Strategy, for the
// engine and CLI to select from by name.
type Registry struct {
	byKind map[model.Strategy]Strategy
}

// NewRegistry wires all five strategies (S4 Manual Map is supplied by
// the caller, since it alone depends on internal/manualmap and would
// otherwise create an import cycle between strategy and manualmap).
func NewRegistry(mem remotemem.Writer, logger *zap.Logger, manualMap Strategy) *Registry {
	d := deps{mem: mem, logger: logger}
	r := &Registry{byKind: map[model.Strategy]Strategy{
		model.StrategyClassicThread: newClassicThread(d),
		model.StrategyNativeThread:  newNativeThread(d),
		model.StrategyAPCQueue:      newAPCQueue(d),
		model.StrategyThreadHijack:  newThreadHijack(d),
	}}
	if manualMap != nil {
		r.byKind[model.StrategyManualMap] = manualMap
	}
	return r
}

// Get looks up a strategy by kind.
func (r *Registry) Get(kind model.Strategy) (Strategy, bool) {
	s, ok := r.byKind[kind]
	return s, ok
}

// All returns every registered strategy, useful for CLI "list methods".
func (r *Registry) All() []Strategy {
	out := make([]Strategy, 0, len(r.byKind))
	for _, s := range r.byKind {
		out = append(out, s)
	}
	return out
}
