//go:build windows

package autoinject

import (
	"golang.org/x/sys/windows"
)

// winOpener opens target processes with the access mask every
// injection strategy needs: VM read/write/operation plus thread
// creation and query rights.
type winOpener struct{}

// NewWindowsOpener returns the live ProcessOpener used outside tests.
func NewWindowsOpener() ProcessOpener { return winOpener{} }

const openAccess = windows.PROCESS_CREATE_THREAD |
	windows.PROCESS_QUERY_INFORMATION |
	windows.PROCESS_VM_OPERATION |
	windows.PROCESS_VM_WRITE |
	windows.PROCESS_VM_READ

func (winOpener) Open(pid uint32) (uintptr, func(), error) {
	h, err := windows.OpenProcess(openAccess, false, pid)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(h), func() { windows.CloseHandle(h) }, nil
}
