//go:build windows

package remotemem

import (
	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/xerr"
)

func (remoteMemory) Alloc(process uintptr, size uintptr, protect uint32) (Region, error) {
	addr, err := windows.VirtualAllocEx(
		windows.Handle(process), 0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE, protect,
	)
	if err != nil {
		return Region{}, wrap(xerr.MemoryAllocationFailed, "VirtualAllocEx", err)
	}
	return Region{Process: process, Address: addr, Size: size}, nil
}

func (remoteMemory) Write(process uintptr, addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var written uintptr
	err := windows.WriteProcessMemory(
		windows.Handle(process), addr,
		&data[0], uintptr(len(data)), &written,
	)
	if err != nil {
		return wrap(xerr.MemoryWriteFailed, "WriteProcessMemory", err)
	}
	if written != uintptr(len(data)) {
		return xerr.New(xerr.MemoryWriteFailed, "WriteProcessMemory", nil).
			WithSuggestion("partial write, target may have paged out the region")
	}
	return nil
}

func (remoteMemory) Read(process uintptr, addr uintptr, size uintptr) ([]byte, error) {
	buf := make([]byte, size)
	var read uintptr
	err := windows.ReadProcessMemory(
		windows.Handle(process), addr,
		&buf[0], size, &read,
	)
	if err != nil {
		return nil, wrap(xerr.MemoryReadFailed, "ReadProcessMemory", err)
	}
	return buf[:read], nil
}

func (remoteMemory) Protect(process uintptr, addr uintptr, size uintptr, newProtect uint32) (uint32, error) {
	var old uint32
	err := windows.VirtualProtectEx(
		windows.Handle(process), addr, size, newProtect, &old,
	)
	if err != nil {
		return 0, wrap(xerr.MemoryProtectionFailed, "VirtualProtectEx", err)
	}
	return old, nil
}

func (remoteMemory) Free(region Region) error {
	err := windows.VirtualFreeEx(windows.Handle(region.Process), region.Address, 0, windows.MEM_RELEASE)
	if err != nil {
		return wrap(xerr.MemoryAllocationFailed, "VirtualFreeEx", err)
	}
	return nil
}

func wrap(kind xerr.Kind, op string, err error) *xerr.Error {
	if errno, ok := err.(windows.Errno); ok {
		return xerr.FromWindowsError(op, uint32(errno))
	}
	return xerr.New(kind, op, err)
}

// ReadUTF16String copies a fixed-length UTF-16 buffer out of a foreign
// process and decodes it, used by internal/loadertable when walking
// UNICODE_STRING fields in the PEB loader data.
func ReadUTF16String(w Writer, process uintptr, addr uintptr, byteLen uint16) (string, error) {
	if addr == 0 || byteLen == 0 {
		return "", nil
	}
	raw, err := w.Read(process, addr, uintptr(byteLen))
	if err != nil {
		return "", err
	}
	u16 := make([]uint16, len(raw)/2)
	for i := range u16 {
		u16[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return windows.UTF16ToString(u16), nil
}
