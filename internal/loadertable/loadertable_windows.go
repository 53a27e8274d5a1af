//go:build windows

package loadertable

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/xerr"
)

var (
	modntdll                      = windows.NewLazySystemDLL("ntdll.dll")
	procNtQueryInformationProcess = modntdll.NewProc("NtQueryInformationProcess")
)

const processBasicInformation = 0

// processBasicInfo mirrors PROCESS_BASIC_INFORMATION's six native-width
// fields; only PebBaseAddress is consumed here.
type processBasicInfo struct {
	ExitStatus                   uintptr
	PebBaseAddress                uintptr
	AffinityMask                  uintptr
	BasePriority                  uintptr
	UniqueProcessID                uintptr
	InheritedFromUniqueProcessID uintptr
}

// GetRemotePEB queries a process handle's PEB base address via the raw
// NtQueryInformationProcess syscall, grounded on
// original_source/include/core/anti_detection.h's
// ProcessEnvironment::GetPEB(hProcess). process is a raw handle value,
// matching every other cross-package signature in this repo so callers
// outside this package never need to import golang.org/x/sys/windows
// themselves.
func GetRemotePEB(process uintptr) (uintptr, error) {
	var info processBasicInfo
	var returnLength uint32

	r1, _, _ := procNtQueryInformationProcess.Call(
		process,
		uintptr(processBasicInformation),
		uintptr(unsafe.Pointer(&info)),
		unsafe.Sizeof(info),
		uintptr(unsafe.Pointer(&returnLength)),
	)
	if r1 != 0 {
		return 0, xerr.New(xerr.ProcessAccessDenied, "loadertable.GetRemotePEB: NtQueryInformationProcess", nil)
	}
	return info.PebBaseAddress, nil
}
