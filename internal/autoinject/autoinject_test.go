package autoinject

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skyfiend/xordll/internal/logging"
	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/procmon"
	"github.com/skyfiend/xordll/internal/strategy"
)

// fakeStrategy lets tests script a fixed sequence of outcomes for
// model.StrategyManualMap, the one kind NewRegistry lets a caller supply.
type fakeStrategy struct {
	mu       sync.Mutex
	outcomes []model.InjectionOutcome
	calls    int
}

func (f *fakeStrategy) Metadata() strategy.Metadata {
	return strategy.Metadata{Name: "fake", SupportsX86: true, SupportsX64: true}
}

func (f *fakeStrategy) Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink strategy.ProgressSink) model.InjectionOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.outcomes) {
		return f.outcomes[len(f.outcomes)-1]
	}
	return f.outcomes[idx]
}

func (f *fakeStrategy) Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink strategy.ProgressSink) model.InjectionOutcome {
	return model.Success(0, moduleBase, 0, model.StrategyManualMap)
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeOpener struct{}

func (fakeOpener) Open(pid uint32) (uintptr, func(), error) {
	return uintptr(pid), func() {}, nil
}

func waitForStats(t *testing.T, a *AutoInjector, want Stats) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got Stats
	for time.Now().Before(deadline) {
		got = a.Stats()
		if got == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return got
}

func TestOnEventIgnoresUnmatchedProcess(t *testing.T) {
	fs := &fakeStrategy{outcomes: []model.InjectionOutcome{model.Success(0, 1, 1, model.StrategyManualMap)}}
	reg := strategy.NewRegistry(nil, logging.NoOp(), fs)
	a := New(reg, fakeOpener{}, logging.NoOp())
	a.SetRule(model.InjectionRule{ProcessNameFolded: "target.exe", Strategy: model.StrategyManualMap}, RetryPolicy{})

	a.OnEvent(procmon.Event{Kind: procmon.Started, Process: model.ProcessDescriptor{Pid: 1, Name: "other.exe"}})

	time.Sleep(50 * time.Millisecond)
	if fs.callCount() != 0 {
		t.Fatalf("expected no injection attempt for an unmatched process, got %d calls", fs.callCount())
	}
}

func TestOnEventSucceedsOnFirstAttempt(t *testing.T) {
	fs := &fakeStrategy{outcomes: []model.InjectionOutcome{model.Success(0, 1, 1, model.StrategyManualMap)}}
	reg := strategy.NewRegistry(nil, logging.NoOp(), fs)
	a := New(reg, fakeOpener{}, logging.NoOp())
	a.SetRule(model.InjectionRule{ProcessNameFolded: "target.exe", Strategy: model.StrategyManualMap}, RetryPolicy{})

	a.OnEvent(procmon.Event{Kind: procmon.Started, Process: model.ProcessDescriptor{Pid: 42, Name: "Target.exe"}})

	got := waitForStats(t, a, Stats{Attempts: 1, Successes: 1, Failures: 0})
	if got.Attempts != 1 || got.Successes != 1 || got.Failures != 0 {
		t.Fatalf("unexpected stats after a single successful attempt: %+v", got)
	}
}

func TestOnEventRetriesUntilSuccess(t *testing.T) {
	fs := &fakeStrategy{outcomes: []model.InjectionOutcome{
		model.Failure("InjectionFailed", 0, "first try fails"),
		model.Success(0, 1, 1, model.StrategyManualMap),
	}}
	reg := strategy.NewRegistry(nil, logging.NoOp(), fs)
	a := New(reg, fakeOpener{}, logging.NoOp())
	a.SetRule(model.InjectionRule{ProcessNameFolded: "target.exe", Strategy: model.StrategyManualMap},
		RetryPolicy{KeepTrying: true, MaxRetries: 3, RetryDelayMs: 10})

	a.OnEvent(procmon.Event{Kind: procmon.Started, Process: model.ProcessDescriptor{Pid: 7, Name: "target.exe"}})

	got := waitForStats(t, a, Stats{Attempts: 2, Successes: 1, Failures: 0})
	if got.Attempts != 2 || got.Successes != 1 {
		t.Fatalf("expected one retry then a success, got %+v", got)
	}
}

func TestOnEventGivesUpWithoutKeepTrying(t *testing.T) {
	fs := &fakeStrategy{outcomes: []model.InjectionOutcome{model.Failure("InjectionFailed", 0, "nope")}}
	reg := strategy.NewRegistry(nil, logging.NoOp(), fs)
	a := New(reg, fakeOpener{}, logging.NoOp())
	a.SetRule(model.InjectionRule{ProcessNameFolded: "target.exe", Strategy: model.StrategyManualMap}, RetryPolicy{})

	a.OnEvent(procmon.Event{Kind: procmon.Started, Process: model.ProcessDescriptor{Pid: 9, Name: "target.exe"}})

	got := waitForStats(t, a, Stats{Attempts: 1, Successes: 0, Failures: 1})
	if got.Attempts != 1 || got.Failures != 1 {
		t.Fatalf("expected a single failed attempt with KeepTrying unset, got %+v", got)
	}
}
