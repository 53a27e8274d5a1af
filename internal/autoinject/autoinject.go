// Package autoinject implements component C10, the Auto-Injector: a
// rule engine that composes internal/strategy behind the
// internal/procmon event stream: a mutex-guarded rule map, one
// goroutine per matching Started event, and mutex-guarded counters.
// Grounded on naviNBRuas-APA's AdvancedProcessInjector and on the original C++'s
// injection_profile.cpp retry/backoff fields (keepTrying, maxRetries,
// retryDelay), which this package wires all the way through to runtime
// retry behavior.
package autoinject

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/procmon"
	"github.com/skyfiend/xordll/internal/strategy"
)

// RetryPolicy carries the InjectionProfile retry fields spec.md keeps
// in the data model but the distillation does not fully wire up: when
// KeepTrying is set, a failed attempt is retried up to MaxRetries times
// with RetryDelayMs between attempts before counting a final failure.
type RetryPolicy struct {
	KeepTrying   bool
	MaxRetries   int
	RetryDelayMs int
}

// rule pairs an InjectionRule with its retry policy.
type rule struct {
	model.InjectionRule
	retry RetryPolicy
}

// ProcessOpener resolves a pid to a process handle with the rights an
// injection strategy needs, and a function to release it. Implemented
// per-OS (see autoinject_windows.go) so this file stays platform-neutral.
type ProcessOpener interface {
	Open(pid uint32) (handle uintptr, closeHandle func(), err error)
}

// Stats are the three mutex-guarded counters spec.md §4.C10 names.
type Stats struct {
	Attempts  uint64
	Successes uint64
	Failures  uint64
}

// AutoInjector composes a strategy.Registry behind a procmon event
// stream. Each Started event whose folded process name matches a rule
// launches a one-shot background task; concurrency between rules is
// unbounded by design, bounded in practice by the rate of Started events.
type AutoInjector struct {
	registry *strategy.Registry
	opener   ProcessOpener
	logger   *zap.Logger

	mu    sync.RWMutex
	rules map[string]rule

	statsMu sync.Mutex
	stats   Stats
}

// New builds an AutoInjector. Pass its OnEvent method as a
// procmon.Callback to wire it to the process monitor.
func New(registry *strategy.Registry, opener ProcessOpener, logger *zap.Logger) *AutoInjector {
	return &AutoInjector{
		registry: registry,
		opener:   opener,
		logger:   logger,
		rules:    make(map[string]rule),
	}
}

// SetRule installs or replaces the rule for one folded process name.
func (a *AutoInjector) SetRule(r model.InjectionRule, retry RetryPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules[r.ProcessNameFolded] = rule{InjectionRule: r, retry: retry}
}

// RemoveRule drops the rule for a folded process name, if any.
func (a *AutoInjector) RemoveRule(processNameFolded string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rules, processNameFolded)
}

// Stats returns a snapshot of the attempt/success/failure counters.
func (a *AutoInjector) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// OnEvent is a procmon.Callback: on every Started event whose folded
// name matches an installed rule, launches a one-shot background task
// that waits DelayMs then injects, retrying per RetryPolicy.
func (a *AutoInjector) OnEvent(e procmon.Event) {
	if e.Kind != procmon.Started {
		return
	}

	a.mu.RLock()
	r, ok := a.rules[foldName(e.Process.Name)]
	a.mu.RUnlock()
	if !ok {
		return
	}

	go a.runRule(e.Process, r)
}

func foldName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// runRule waits the rule's delay, then attempts injection, retrying up
// to r.retry.MaxRetries times with r.retry.RetryDelayMs between
// attempts when r.retry.KeepTrying is set. Exactly one final
// success/failure is recorded regardless of how many attempts it took.
func (a *AutoInjector) runRule(proc model.ProcessDescriptor, r rule) {
	if r.DelayMs > 0 {
		time.Sleep(time.Duration(r.DelayMs) * time.Millisecond)
	}

	attempts := 1
	if r.retry.KeepTrying && r.retry.MaxRetries > 0 {
		attempts = 1 + r.retry.MaxRetries
	}

	var last model.InjectionOutcome
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := r.retry.RetryDelayMs
			if delay <= 0 {
				delay = 1000
			}
			time.Sleep(time.Duration(delay) * time.Millisecond)
		}

		a.statsMu.Lock()
		a.stats.Attempts++
		a.statsMu.Unlock()

		last = a.attemptOnce(proc, r)
		if last.IsSuccess() {
			break
		}
		if !r.retry.KeepTrying {
			break
		}
	}

	a.statsMu.Lock()
	if last.IsSuccess() {
		a.stats.Successes++
	} else {
		a.stats.Failures++
	}
	a.statsMu.Unlock()

	if !last.IsSuccess() {
		a.logger.Warn("auto-injection failed",
			zap.String("process", proc.Name),
			zap.Uint32("pid", proc.Pid),
			zap.String("dll", r.DllPath),
			zap.String("error", last.HumanMessage))
	}
}

func (a *AutoInjector) attemptOnce(proc model.ProcessDescriptor, r rule) model.InjectionOutcome {
	impl, ok := a.registry.Get(r.Strategy)
	if !ok {
		return model.Failure("InjectionFailed", 0, "no strategy registered for "+r.Strategy.String())
	}

	handle, closeHandle, err := a.opener.Open(proc.Pid)
	if err != nil {
		return model.Failure("ProcessAccessDenied", 0, "could not open target process: "+err.Error())
	}
	defer closeHandle()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return impl.Inject(ctx, handle, r.DllPath, proc.Is64Bit, nil)
}
