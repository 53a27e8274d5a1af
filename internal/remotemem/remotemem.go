// Package remotemem implements component C3, Remote Memory: allocation,
// read/write, and protection changes against a foreign process handle.
// Grounded on golang.org/x/sys/windows (VirtualAllocEx/WriteProcessMemory/
// VirtualProtectEx/ReadProcessMemory/VirtualFreeEx) the way
// DarkiT-wireguard's memmod_windows.go calls the in-process equivalents,
// adapted here to always carry a target process handle.
package remotemem

import (
	"github.com/skyfiend/xordll/internal/xerr"
)

// Region describes a single remote allocation, returned by Alloc so
// callers can Free it symmetrically.
type Region struct {
	Process uintptr
	Address uintptr
	Size    uintptr
}

// Writer is the narrow interface internal/manualmap and internal/strategy
// depend on, so tests can substitute a fake without a real process handle.
type Writer interface {
	Alloc(process uintptr, size uintptr, protect uint32) (Region, error)
	Write(process uintptr, addr uintptr, data []byte) error
	Read(process uintptr, addr uintptr, size uintptr) ([]byte, error)
	Protect(process uintptr, addr uintptr, size uintptr, newProtect uint32) (oldProtect uint32, err error)
	Free(region Region) error
}

// remoteMemory is the live Writer implementation; see remotemem_windows.go.
type remoteMemory struct{}

// New returns the live Windows-backed Writer.
func New() Writer { return remoteMemory{} }

// WithScopedProtection changes protection on [addr, addr+size) for the
// duration of fn, then restores the original protection even if fn
// panics or returns an error — the scoped-protection pattern spec.md
// requires for every write into foreign read-only/execute pages.
func WithScopedProtection(w Writer, process, addr, size uintptr, temp uint32, fn func() error) error {
	old, err := w.Protect(process, addr, size, temp)
	if err != nil {
		return xerr.New(xerr.MemoryProtectionFailed, "VirtualProtectEx", err)
	}
	defer func() {
		_, _ = w.Protect(process, addr, size, old)
	}()
	return fn()
}
