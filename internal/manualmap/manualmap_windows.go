//go:build windows

package manualmap

import (
	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/xerr"
)

// allocAt requests size bytes with RWX. preferredBase is not passed on:
// the OS always chooses the address.
func (m *Mapper) allocAt(process uintptr, preferredBase uintptr, size uintptr) (remotemem.Region, error) {
	return m.mem.Alloc(process, size, pageExecuteReadWrite)
}

// runAndWait creates a remote thread at startAddr, waits up to
// entryInvokeTimeout, and returns the thread's exit code.
func (m *Mapper) runAndWait(process uintptr, startAddr uintptr) (uint32, error) {
	h, err := windows.CreateRemoteThread(windows.Handle(process), nil, 0, startAddr, 0, 0, nil)
	if h == 0 {
		return 0, xerr.New(xerr.ThreadCreationFailed, "CreateRemoteThread", err)
	}
	defer windows.CloseHandle(h)

	ev, werr := windows.WaitForSingleObject(h, uint32(entryInvokeTimeout.Milliseconds()))
	if werr != nil || ev != windows.WAIT_OBJECT_0 {
		return 0, xerr.New(xerr.ThreadCreationFailed, "WaitForSingleObject", werr).
			WithSuggestion("entry point did not return within the timeout")
	}

	var code uint32
	if err := windows.GetExitCodeThread(h, &code); err != nil {
		return 0, xerr.New(xerr.ThreadCreationFailed, "GetExitCodeThread", err)
	}
	return code, nil
}

// invokeTLSCallbacks walks the callback pointer array and runs each one
// via a remote thread, matching memmod_windows.go's executeTLS loop but
// dispatched through a foreign thread instead of an in-process
// syscall.Syscall.
func (m *Mapper) invokeTLSCallbacks(st *mapState) error {
	ptrSize := uintptr(8)
	if !st.targetIs64 {
		ptrSize = 4
	}

	callbacksRVA := uintptr(st.img.TLS.AddressOfCallBacks) - uintptr(st.img.PreferredBase)
	addr := st.base + callbacksRVA

	for i := 0; ; i++ {
		raw, err := m.mem.Read(st.process, addr+uintptr(i)*ptrSize, ptrSize)
		if err != nil {
			return err
		}
		var cb uintptr
		if st.targetIs64 {
			cb = uintptr(le64(raw))
		} else {
			cb = uintptr(le32(raw))
		}
		if cb == 0 {
			break
		}
		if _, err := m.runAndWait(st.process, cb); err != nil {
			return err
		}
	}
	return nil
}
