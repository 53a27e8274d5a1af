//go:build windows

package strategy

import (
	"context"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/model"
)

// apcQueue is S3: writes the path as S1 does, then enumerates the
// target's threads and queues an APC calling LoadLibraryW on each.
// Success only requires one thread to enter an alertable wait — this
// strategy does not synchronise on the load completing, so it never
// returns a module handle.
type apcQueue struct {
	deps
}

func newAPCQueue(d deps) Strategy { return &apcQueue{deps: d} }

func (s *apcQueue) Metadata() Metadata {
	return Metadata{
		Name:          "apc",
		Description:   "QueueUserAPC + LoadLibraryW",
		RequiresAdmin: false,
		SupportsX86:   true,
		SupportsX64:   true,
	}
}

func (s *apcQueue) Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	if outcome, ok := checkArchSupport(s.Metadata(), targetIs64); !ok {
		return outcome
	}

	notify(sink, "writing remote path")
	region, err := writeRemotePath(s.mem, process, dllPath)
	if err != nil {
		return failureFromErr(err)
	}

	notify(sink, "resolving LoadLibraryW")
	loadLibraryW, err := resolveLoadLibraryW()
	if err != nil {
		_ = s.mem.Free(region)
		return failureFromErr(err)
	}

	pid := processIDOf(process)
	if pid == 0 {
		_ = s.mem.Free(region)
		return model.Failure("ProcessNotFound", 0, "could not resolve process id for thread enumeration")
	}

	notify(sink, "enumerating target threads")
	queued := 0
	err = enumerateThreads(pid, func(tid uint32) {
		h, oerr := windows.OpenThread(windows.THREAD_SET_CONTEXT, false, tid)
		if oerr != nil {
			return
		}
		defer windows.CloseHandle(h)
		if qerr := windows.QueueUserAPC(loadLibraryW, h, region.Address); qerr == nil {
			queued++
		}
	})
	if err != nil {
		_ = s.mem.Free(region)
		return failureFromErr(err)
	}

	if queued == 0 {
		_ = s.mem.Free(region)
		return model.Failure("ThreadCreationFailed", 0, "no target thread accepted a queued APC")
	}

	// The path buffer is intentionally not freed here: ownership passes
	// to whichever thread's alertable wait eventually runs the APC: it
	// reads the buffer asynchronously at an unknown future time.
	return model.Success(0, region.Address, region.Size, model.StrategyAPCQueue)
}

func (s *apcQueue) Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	// Eject for S3 reuses S1's recipe, per spec.md §4.C6.
	classic := &classicThread{deps: s.deps}
	return classic.Eject(ctx, process, moduleBase, targetIs64, sink)
}

func processIDOf(process uintptr) uint32 {
	pid, err := windows.GetProcessId(windows.Handle(process))
	if err != nil {
		return 0
	}
	return pid
}

func enumerateThreads(pid uint32, fn func(tid uint32)) error {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Thread32First(snap, &entry); err != nil {
		return err
	}
	for {
		if entry.OwnerProcessID == pid {
			fn(entry.ThreadID)
		}
		if err := windows.Thread32Next(snap, &entry); err != nil {
			break
		}
	}
	return nil
}
