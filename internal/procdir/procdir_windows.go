//go:build windows

package procdir

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/xerr"
)

// snapshotProcesses walks CreateToolhelp32Snapshot the same way the
// teacher's filewatcher_windows.go walks its directory-change buffer:
// one syscall, then a loop over a fixed-layout struct.
func snapshotProcesses() ([]model.ProcessDescriptor, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, xerr.New(xerr.Unknown, "CreateToolhelp32Snapshot", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, xerr.New(xerr.Unknown, "Process32First", err)
	}

	var out []model.ProcessDescriptor
	for {
		name := windows.UTF16ToString(entry.ExeFile[:])
		pid := entry.ProcessID

		desc := model.ProcessDescriptor{
			Pid:  pid,
			Name: name,
		}

		if path, is64, ok := describeProcess(pid); ok {
			desc.ImagePath = path
			desc.Is64Bit = is64
		}

		out = append(out, desc)

		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}

	return out, nil
}

// describeProcess opens a minimal-rights handle to query the full image
// path and architecture; failures (protected/system processes we can't
// open) are swallowed — the descriptor just keeps its zero values, per
// spec.md's "best effort" note for restricted processes.
func describeProcess(pid uint32) (path string, is64 bool, ok bool) {
	h, err := windows.OpenProcess(
		windows.PROCESS_QUERY_LIMITED_INFORMATION,
		false, pid,
	)
	if err != nil {
		return "", false, false
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", false, false
	}
	path = windows.UTF16ToString(buf[:size])

	is64 = !isWow64(h)
	return path, is64, true
}

// isWow64 reports whether the given process handle runs under WoW64
// (i.e. is a 32-bit process on 64-bit Windows).
func isWow64(h windows.Handle) bool {
	var wow64 uint32
	if err := windows.IsWow64Process(h, &wow64); err != nil {
		return false
	}
	return wow64 != 0
}

// Open acquires a handle with the caller-specified access mask, per
// spec.md §4.C2's "caller chooses the rights it needs" design.
func Open(pid uint32, access uint32) (windows.Handle, error) {
	h, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		if errno, ok := err.(windows.Errno); ok {
			return 0, xerr.FromWindowsError("OpenProcess", uint32(errno)).WithOSCode(uint32(errno))
		}
		return 0, xerr.New(xerr.ProcessAccessDenied, "OpenProcess", err)
	}
	return h, nil
}

// IsRunningElevated reports whether the current process token carries
// the administrators group / full elevation, mirroring the original's
// IsRunningAsAdmin() (original_source/src/core/process_manager.cpp).
func IsRunningElevated() bool {
	var token windows.Token
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return false
	}
	if err := windows.OpenProcessToken(proc, windows.TOKEN_QUERY, &token); err != nil {
		return false
	}
	defer token.Close()
	return token.IsElevated()
}

// EnableDebugPrivilege enables SeDebugPrivilege on the current process
// token, required before opening PROCESS_ALL_ACCESS handles to
// processes owned by other users/sessions, per spec.md §4.C2.
func EnableDebugPrivilege() error {
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return xerr.New(xerr.InsufficientPrivileges, "GetCurrentProcess", err)
	}

	var token windows.Token
	if err := windows.OpenProcessToken(proc, windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &token); err != nil {
		return xerr.New(xerr.InsufficientPrivileges, "OpenProcessToken", err).
			WithSuggestion("re-run as Administrator")
	}
	defer token.Close()

	var luid windows.LUID
	if err := windows.LookupPrivilegeValue(nil, windows.StringToUTF16Ptr("SeDebugPrivilege"), &luid); err != nil {
		return xerr.New(xerr.DebugPrivilegeRequired, "LookupPrivilegeValue", err)
	}

	privs := windows.Tokenprivileges{
		PrivilegeCount: 1,
		Privileges: [1]windows.LUIDAndAttributes{
			{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED},
		},
	}

	if err := windows.AdjustTokenPrivileges(token, false, &privs, 0, nil, nil); err != nil {
		return xerr.New(xerr.DebugPrivilegeRequired, "AdjustTokenPrivileges", err).
			WithSuggestion("re-run as Administrator")
	}
	return nil
}

// windowsDirectory returns the installation directory (C:\Windows),
// used by IsSystemProcess to classify OS-owned processes.
func windowsDirectory() string {
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetWindowsDirectory(&buf[0], uint32(len(buf)))
	if err != nil || n == 0 {
		return ""
	}
	return filepath.Clean(windows.UTF16ToString(buf[:n]))
}

// FormatHandle renders a handle value for log lines, matching the
// teacher's "%#x"-style address formatting in its own diagnostics.
func FormatHandle(h windows.Handle) string {
	return fmt.Sprintf("%#x", uintptr(h))
}
