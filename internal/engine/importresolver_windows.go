//go:build windows

package engine

import (
	"context"
	"encoding/binary"
	"time"
	"unicode/utf16"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/loadertable"
	"github.com/skyfiend/xordll/internal/peimage"
	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/xerr"
)

const importThreadTimeout = 5 * time.Second

// windowsImportResolver implements manualmap.ImportResolver by proxying
// through the local process's own loaded copy of each dependency, per
// spec.md §4.C7 stage 7: a module's exports sit at the same offset from
// its own base everywhere, so this loads moduleName locally, resolves
// the export there, and rebases the offset onto wherever the target's
// copy lives. Duplicates (rather than imports) the
// write-path/LoadLibraryW/CreateRemoteThread sequence from
// internal/strategy/classic_windows.go, since those helpers are
// unexported to that package. A single resolver instance is shared
// across every manual-map call the registry makes, since nothing it
// holds is specific to one target process — the PEB lookup happens
// fresh per call via the process handle each caller already supplies.
type windowsImportResolver struct {
	mem remotemem.Writer
}

// newImportResolver builds a resolver with no target-process
// affinity; EnsureModuleLoaded resolves each target's PEB on demand.
func newImportResolver(mem remotemem.Writer) *windowsImportResolver {
	return &windowsImportResolver{mem: mem}
}

// EnsureModuleLoaded returns the target's base address for moduleName,
// loading it with a remote LoadLibraryW thread if the loader table does
// not already carry it.
func (r *windowsImportResolver) EnsureModuleLoaded(ctx context.Context, process uintptr, targetIs64 bool, moduleName string) (uintptr, error) {
	pebAddr, err := loadertable.GetRemotePEB(process)
	if err != nil {
		return 0, err
	}
	nav := loadertable.New(r.mem, process, targetIs64)
	if entry, ok, err := nav.LookupByName(pebAddr, moduleName); err != nil {
		return 0, err
	} else if ok {
		return entry.DllBase, nil
	}

	region, err := writeRemoteModuleName(r.mem, process, moduleName)
	if err != nil {
		return 0, err
	}
	defer r.mem.Free(region)

	loadLibraryW, err := resolveLocalExport("kernel32.dll", "LoadLibraryW")
	if err != nil {
		return 0, err
	}

	handle, err := runRemoteThreadAndWait(process, loadLibraryW, region.Address)
	if err != nil {
		return 0, err
	}
	if handle == 0 {
		return 0, xerr.New(xerr.ModuleLoadFailed, "LoadLibraryW returned NULL resolving import "+moduleName, nil)
	}
	return uintptr(handle), nil
}

// ResolveExport returns the remote address of name (or ordinal) in a
// module already loaded at remoteBase, by computing the export's
// offset from a local load of the same module and applying that offset
// to remoteBase.
func (r *windowsImportResolver) ResolveExport(moduleName string, remoteBase uintptr, thunk peimage.ImportThunk) (uintptr, error) {
	localBase, err := windows.LoadLibrary(moduleName)
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "LoadLibrary("+moduleName+") for import resolution", err)
	}
	defer windows.FreeLibrary(localBase)

	var localAddr uintptr
	if thunk.ByOrdinal {
		localAddr, err = windows.GetProcAddressByOrdinal(localBase, uintptr(thunk.Ordinal))
	} else {
		localAddr, err = windows.GetProcAddress(localBase, thunk.Name)
	}
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "GetProcAddress("+moduleName+", "+thunk.Name+")", err)
	}

	delta := localAddr - uintptr(localBase)
	return remoteBase + delta, nil
}

func writeRemoteModuleName(mem remotemem.Writer, process uintptr, moduleName string) (remotemem.Region, error) {
	u16 := utf16.Encode([]rune(moduleName))
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

func resolveLocalExport(module, export string) (uintptr, error) {
	base, err := windows.LoadLibrary(module)
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "LoadLibrary("+module+")", err)
	}
	proc, err := windows.GetProcAddress(base, export)
	if err != nil {
		return 0, xerr.New(xerr.ModuleNotFound, "GetProcAddress("+module+", "+export+")", err)
	}
	return proc, nil
}

func runRemoteThreadAndWait(process uintptr, startAddr, arg uintptr) (uint32, error) {
	h, err := windows.CreateRemoteThread(windows.Handle(process), nil, 0, startAddr, arg, 0, nil)
	if h == 0 {
		return 0, xerr.New(xerr.ThreadCreationFailed, "CreateRemoteThread", err)
	}
	defer windows.CloseHandle(h)

	ev, err := windows.WaitForSingleObject(h, uint32(importThreadTimeout.Milliseconds()))
	if err != nil || ev != windows.WAIT_OBJECT_0 {
		return 0, xerr.New(xerr.ThreadCreationFailed, "WaitForSingleObject", err)
	}

	var code uint32
	if err := windows.GetExitCodeThread(h, &code); err != nil {
		return 0, xerr.New(xerr.ThreadCreationFailed, "GetExitCodeThread", err)
	}
	return code, nil
}
