//go:build windows

package strategy

import (
	"context"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/xerr"
)

var (
	modntdll           = windows.NewLazySystemDLL("ntdll.dll")
	procNtCreateThreadEx = modntdll.NewProc("NtCreateThreadEx")
)

// nativeThread is S2: identical to S1 except the remote thread is
// created through NtCreateThreadEx, which succeeds on hardened
// configurations where CreateRemoteThread's usermode hook is blocked.
type nativeThread struct {
	deps
}

func newNativeThread(d deps) Strategy { return &nativeThread{deps: d} }

func (s *nativeThread) Metadata() Metadata {
	return Metadata{
		Name:          "ntcrt",
		Description:   "NtCreateThreadEx + LoadLibraryW",
		RequiresAdmin: false,
		SupportsX86:   true,
		SupportsX64:   true,
	}
}

func (s *nativeThread) Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	if outcome, ok := checkArchSupport(s.Metadata(), targetIs64); !ok {
		return outcome
	}

	notify(sink, "writing remote path")
	region, err := writeRemotePath(s.mem, process, dllPath)
	if err != nil {
		return failureFromErr(err)
	}
	defer s.mem.Free(region)

	notify(sink, "resolving LoadLibraryW")
	loadLibraryW, err := resolveLoadLibraryW()
	if err != nil {
		return failureFromErr(err)
	}

	notify(sink, "NtCreateThreadEx")
	h, status, err := ntCreateThreadEx(process, loadLibraryW, region.Address)
	if h == 0 {
		return model.Failure("ThreadCreationFailed", uint32(status), "NtCreateThreadEx failed: "+ntstatusString(status, err))
	}
	defer windows.CloseHandle(h)

	ev, werr := windows.WaitForSingleObject(h, uint32(injectThreadTimeout.Milliseconds()))
	if werr != nil || ev != windows.WAIT_OBJECT_0 {
		return model.Failure("ThreadCreationFailed", 0, "remote thread did not complete in time")
	}

	var code uint32
	if err := windows.GetExitCodeThread(h, &code); err != nil {
		return failureFromErr(xerr.New(xerr.ThreadCreationFailed, "GetExitCodeThread", err))
	}
	if code == 0 {
		return model.Failure("ModuleLoadFailed", 0, "LoadLibraryW returned NULL in target process")
	}

	return model.Success(uintptr(code), uintptr(code), 0, model.StrategyNativeThread)
}

func (s *nativeThread) Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	freeLibrary, err := resolveFreeLibrary()
	if err != nil {
		return failureFromErr(err)
	}
	h, status, err := ntCreateThreadEx(process, freeLibrary, moduleBase)
	if h == 0 {
		return model.Failure("ThreadCreationFailed", uint32(status), "NtCreateThreadEx failed: "+ntstatusString(status, err))
	}
	defer windows.CloseHandle(h)
	windows.WaitForSingleObject(h, uint32(injectThreadTimeout.Milliseconds()))
	return model.Success(0, moduleBase, 0, model.StrategyNativeThread)
}

// ntCreateThreadEx calls ntdll!NtCreateThreadEx directly, since
// golang.org/x/sys/windows does not wrap the native API. Returns the
// raw NTSTATUS on failure per spec.md §4.C6's S2 contract.
func ntCreateThreadEx(process uintptr, startAddr, arg uintptr) (windows.Handle, uintptr, error) {
	var thread windows.Handle
	const (
		threadAllAccess = 0x1FFFFF
	)
	r1, _, err := procNtCreateThreadEx.Call(
		uintptr(unsafe.Pointer(&thread)),
		threadAllAccess,
		0, // ObjectAttributes
		process,
		startAddr,
		arg,
		0, // CreateFlags
		0, // ZeroBits
		0, // StackSize
		0, // MaximumStackSize
		0, // AttributeList
	)
	if r1 != 0 {
		return 0, r1, err
	}
	return thread, 0, nil
}

func ntstatusString(status uintptr, err error) string {
	if err != nil {
		return err.Error()
	}
	return "unknown NTSTATUS"
}
