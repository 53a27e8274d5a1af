package loadertable

import (
	"testing"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/remotemem"
)

// fakeMem is a byte-addressable in-process stand-in for remotemem.Writer,
// letting these tests build a tiny synthetic PEB/loader-list without a
// real target process.
type fakeMem struct {
	data map[uintptr]byte
}

func newFakeMem() *fakeMem { return &fakeMem{data: map[uintptr]byte{}} }

func (f *fakeMem) putU64(addr uintptr, v uint64) {
	for i := 0; i < 8; i++ {
		f.data[addr+uintptr(i)] = byte(v >> (8 * i))
	}
}

func (f *fakeMem) putU32(addr uintptr, v uint32) {
	for i := 0; i < 4; i++ {
		f.data[addr+uintptr(i)] = byte(v >> (8 * i))
	}
}

func (f *fakeMem) Alloc(process uintptr, size uintptr, protect uint32) (remotemem.Region, error) {
	return remotemem.Region{}, nil
}

func (f *fakeMem) Write(process uintptr, addr uintptr, data []byte) error { return nil }

func (f *fakeMem) Read(process uintptr, addr uintptr, size uintptr) ([]byte, error) {
	out := make([]byte, size)
	for i := uintptr(0); i < size; i++ {
		out[i] = f.data[addr+i]
	}
	return out, nil
}

func (f *fakeMem) Protect(process uintptr, addr uintptr, size uintptr, newProtect uint32) (uint32, error) {
	return 0, nil
}

func (f *fakeMem) Free(region remotemem.Region) error { return nil }

func TestWalkSingleEntryTerminatesAtHead(t *testing.T) {
	mem := newFakeMem()

	const (
		pebAddr    = uintptr(0x7ff000000000)
		ldrAddr    = uintptr(0x7ff000001000)
		entryAddr  = uintptr(0x7ff000002000)
		dllBase    = uintptr(0x140000000)
		entryPoint = uintptr(0x140001000)
	)
	listHead := ldrAddr + 0x10

	mem.putU64(pebAddr+pebLdrOffset64, uint64(ldrAddr))
	mem.putU64(listHead, uint64(entryAddr))                  // head.Flink -> entry
	mem.putU64(entryAddr+entryInLoadLinks, uint64(listHead)) // entry.Flink -> head (single entry)
	mem.putU64(entryAddr+entryDllBase, uint64(dllBase))
	mem.putU64(entryAddr+entryEntryPoint, uint64(entryPoint))
	mem.putU32(entryAddr+entrySizeOfImage, 0x2000)

	nav := New(mem, 0, true)

	var seen []uintptr
	err := nav.Walk(pebAddr, func(e model.LoaderEntry) bool {
		seen = append(seen, e.DllBase)
		return true
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(seen) != 1 || seen[0] != dllBase {
		t.Fatalf("seen = %v, want [%#x]", seen, dllBase)
	}
}
