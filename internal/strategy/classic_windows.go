//go:build windows

package strategy

import (
	"context"
	"encoding/binary"
	"time"
	"unicode/utf16"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/xerr"
)

const injectThreadTimeout = 5 * time.Second

// writeRemotePath allocates an RW page in the target sized for the
// UTF-16 DLL path (plus NUL) and writes it, per S1/S2/S3's shared
// first step.
func writeRemotePath(mem remotemem.Writer, process uintptr, dllPath string) (remotemem.Region, error) {
	u16 := utf16.Encode([]rune(dllPath))
	buf := make([]byte, (len(u16)+1)*2)
	for i, u := range u16 {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}

	region, err := mem.Alloc(process, uintptr(len(buf)), windows.PAGE_READWRITE)
	if err != nil {
		return remotemem.Region{}, err
	}
	if err := mem.Write(process, region.Address, buf); err != nil {
		_ = mem.Free(region)
		return remotemem.Region{}, err
	}
	return region, nil
}

// resolveLoadLibraryW returns the local process's LoadLibraryW address,
// relying (as spec.md documents) on kernel32 loading at the same base
// in same-bitness processes.
func resolveLoadLibraryW() (uintptr, error) {
	k32, err := windows.LoadLibrary("kernel32.dll")
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "LoadLibrary(kernel32.dll)", err)
	}
	proc, err := windows.GetProcAddress(k32, "LoadLibraryW")
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "GetProcAddress(LoadLibraryW)", err)
	}
	return proc, nil
}

func resolveFreeLibrary() (uintptr, error) {
	k32, err := windows.LoadLibrary("kernel32.dll")
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "LoadLibrary(kernel32.dll)", err)
	}
	proc, err := windows.GetProcAddress(k32, "FreeLibrary")
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "GetProcAddress(FreeLibrary)", err)
	}
	return proc, nil
}

// runRemoteThreadInfinite is the classic-thread strategy's own wait: per
// spec.md lines 162/167, S1 waits INFINITE rather than the 5s timeout
// every other remote-thread caller in this package uses, since the
// caller has opted into S1's blocking behavior. Using the shared 5s
// wait here would also be unsafe: a timeout-driven return would free
// the remote path buffer (the deferred mem.Free in Inject/Eject) while
// the remote thread could still be inside LoadLibraryW/FreeLibrary
// reading it.
func runRemoteThreadInfinite(process uintptr, startAddr, arg uintptr) (uint32, error) {
	return runRemoteThreadWait(process, startAddr, arg, windows.INFINITE)
}

func runRemoteThreadWait(process uintptr, startAddr, arg uintptr, timeoutMs uint32) (uint32, error) {
	h, err := windows.CreateRemoteThread(
		windows.Handle(process), nil, 0,
		startAddr, arg, 0, nil,
	)
	if h == 0 {
		return 0, xerr.New(xerr.ThreadCreationFailed, "CreateRemoteThread", err)
	}
	defer windows.CloseHandle(h)

	ev, err := windows.WaitForSingleObject(h, timeoutMs)
	if err != nil || ev != windows.WAIT_OBJECT_0 {
		return 0, xerr.New(xerr.ThreadCreationFailed, "WaitForSingleObject", err).
			WithSuggestion("target thread did not signal within the timeout")
	}

	var code uint32
	if err := windows.GetExitCodeThread(h, &code); err != nil {
		return 0, xerr.New(xerr.ThreadCreationFailed, "GetExitCodeThread", err)
	}
	return code, nil
}

type classicThread struct {
	deps
}

func newClassicThread(d deps) Strategy { return &classicThread{deps: d} }

func (s *classicThread) Metadata() Metadata {
	return Metadata{
		Name:          "crt",
		Description:   "CreateRemoteThread + LoadLibraryW",
		RequiresAdmin: false,
		SupportsX86:   true,
		SupportsX64:   true,
	}
}

func (s *classicThread) Inject(ctx context.Context, process uintptr, dllPath string, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
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

	notify(sink, "creating remote thread")
	handle, err := runRemoteThreadInfinite(process, loadLibraryW, region.Address)
	if err != nil {
		return failureFromErr(err)
	}
	if handle == 0 {
		return model.Failure("ModuleLoadFailed", 0, "LoadLibraryW returned NULL in target process")
	}

	return model.Success(uintptr(handle), uintptr(handle), 0, model.StrategyClassicThread)
}

func (s *classicThread) Eject(ctx context.Context, process uintptr, moduleBase uintptr, targetIs64 bool, sink ProgressSink) model.InjectionOutcome {
	freeLibrary, err := resolveFreeLibrary()
	if err != nil {
		return failureFromErr(err)
	}
	notify(sink, "creating remote thread for FreeLibrary")
	code, err := runRemoteThreadInfinite(process, freeLibrary, moduleBase)
	if err != nil {
		return failureFromErr(err)
	}
	if code == 0 {
		return model.Failure("ModuleLoadFailed", 0, "FreeLibrary returned FALSE in target process")
	}
	return model.Success(0, moduleBase, 0, model.StrategyClassicThread)
}

func failureFromErr(err error) model.InjectionOutcome {
	if xe, ok := err.(*xerr.Error); ok {
		return model.Failure(xe.Kind.String(), xe.OSCode, xe.Error())
	}
	return model.Failure("Unknown", 0, err.Error())
}
