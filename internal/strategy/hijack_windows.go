//go:build windows

package strategy

import (
	"context"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/shellcode"
)

// threadHijack is S5: finds one suspendable thread in the target,
// captures its CONTEXT, allocates+writes the DLL path and a
// hijack-resume trampoline, redirects the instruction pointer at the
// trampoline, then resumes — the trampoline calls LoadLibraryW and
// jumps back to the original instruction pointer once done.
type threadHijack struct {
	deps
}

func newThreadHijack(d deps) Strategy { return &threadHijack{deps: d} }

func (s *threadHijack) Metadata() Metadata {
	return Metadata{
		Name:          "hijack",
		Description:   "Suspend, redirect and resume an existing thread",
		RequiresAdmin: false,
		SupportsX86:   false, // only the x64 resume trampoline is implemented
		SupportsX64:   true,
	}
}

func (s *threadHijack) Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	if outcome, ok := checkArchSupport(s.Metadata(), targetIs64); !ok {
		return outcome
	}

	pid := processIDOf(process)
	if pid == 0 {
		return model.Failure("ProcessNotFound", 0, "could not resolve process id")
	}

	notify(sink, "locating a hijackable thread")
	tid, err := firstSuspendableThread(pid)
	if err != nil {
		return failureFromErr(err)
	}

	th, err := windows.OpenThread(windows.THREAD_ALL_ACCESS, false, tid)
	if err != nil {
		return model.Failure("ThreadCreationFailed", 0, "OpenThread failed: "+err.Error())
	}
	defer windows.CloseHandle(th)

	notify(sink, "suspending thread")
	if _, err := windows.SuspendThread(th); err != nil {
		return model.Failure("ThreadCreationFailed", 0, "SuspendThread failed: "+err.Error())
	}
	resumed := false
	defer func() {
		if !resumed {
			windows.ResumeThread(th)
		}
	}()

	var ctxRec windows.Context
	ctxRec.ContextFlags = windows.CONTEXT_FULL
	if err := windows.GetThreadContext(th, &ctxRec); err != nil {
		return model.Failure("ThreadCreationFailed", 0, "GetThreadContext failed: "+err.Error())
	}
	savedRip := uintptr(ctxRec.Rip)

	notify(sink, "writing remote path")
	region, err := writeRemotePath(s.mem, process, dllPath)
	if err != nil {
		return failureFromErr(err)
	}

	loadLibraryW, err := resolveLoadLibraryW()
	if err != nil {
		_ = s.mem.Free(region)
		return failureFromErr(err)
	}

	notify(sink, "building resume trampoline")
	trampoline := shellcode.HijackResumeX64(loadLibraryW, region.Address, savedRip)

	codeRegion, err := s.mem.Alloc(process, uintptr(len(trampoline)), windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		_ = s.mem.Free(region)
		return failureFromErr(err)
	}
	if err := s.mem.Write(process, codeRegion.Address, trampoline); err != nil {
		_ = s.mem.Free(region)
		_ = s.mem.Free(codeRegion)
		return failureFromErr(err)
	}

	ctxRec.Rip = uint64(codeRegion.Address)
	notify(sink, "redirecting instruction pointer")
	if err := windows.SetThreadContext(th, &ctxRec); err != nil {
		_ = s.mem.Free(region)
		_ = s.mem.Free(codeRegion)
		return model.Failure("ThreadCreationFailed", 0, "SetThreadContext failed: "+err.Error())
	}

	notify(sink, "resuming thread")
	if _, err := windows.ResumeThread(th); err != nil {
		return model.Failure("ThreadCreationFailed", 0, "ResumeThread failed: "+err.Error())
	}
	resumed = true

	// The path and trampoline pages are intentionally leaked by design:
	// the hijacked thread reads them asynchronously on its own schedule,
	// and this strategy has no synchronisation point to free them from.
	return model.Success(0, codeRegion.Address, codeRegion.Size, model.StrategyThreadHijack)
}

func (s *threadHijack) Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	classic := &classicThread{deps: s.deps}
	return classic.Eject(ctx, process, moduleBase, targetIs64, sink)
}

// firstSuspendableThread returns the first thread id belonging to pid,
// which Toolhelp32 enumerates in creation order.
func firstSuspendableThread(pid uint32) (uint32, error) {
	var found uint32
	err := enumerateThreads(pid, func(tid uint32) {
		if found == 0 {
			found = tid
		}
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, errNoThreads
	}
	return found, nil
}

var errNoThreads = threadEnumError("no threads found in target process")

type threadEnumError string

func (e threadEnumError) Error() string { return string(e) }
