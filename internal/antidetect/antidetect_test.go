package antidetect

import (
	"testing"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/remotemem"
)

// fakeMem is a byte-addressable in-process stand-in for remotemem.Writer,
// extending loadertable's test double with a working Alloc so
// SpoofModuleName has somewhere real to write the replacement name.
type fakeMem struct {
	data      map[uintptr]byte
	nextAlloc uintptr
}

func newFakeMem() *fakeMem {
	return &fakeMem{data: map[uintptr]byte{}, nextAlloc: 0x90000000}
}

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

func (f *fakeMem) getU64(addr uintptr) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(f.data[addr+uintptr(i)]) << (8 * i)
	}
	return v
}

func (f *fakeMem) getU32(addr uintptr) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(f.data[addr+uintptr(i)]) << (8 * i)
	}
	return v
}

func (f *fakeMem) Alloc(process uintptr, size uintptr, protect uint32) (remotemem.Region, error) {
	addr := f.nextAlloc
	f.nextAlloc += size + 0x1000
	return remotemem.Region{Process: process, Address: addr, Size: size}, nil
}

func (f *fakeMem) Write(process uintptr, addr uintptr, data []byte) error {
	for i, b := range data {
		f.data[addr+uintptr(i)] = b
	}
	return nil
}

func (f *fakeMem) Read(process uintptr, addr uintptr, size uintptr) ([]byte, error) {
	out := make([]byte, size)
	for i := uintptr(0); i < size; i++ {
		out[i] = f.data[addr+i]
	}
	return out, nil
}

func (f *fakeMem) Protect(process uintptr, addr uintptr, size uintptr, newProtect uint32) (uint32, error) {
	return pageReadWriteConst, nil
}

func (f *fakeMem) Free(region remotemem.Region) error { return nil }

const (
	pebAddr    = uintptr(0x7ff000000000)
	ldrAddr    = uintptr(0x7ff000001000)
	entryAddr  = uintptr(0x7ff000002000)
	dllBase    = uintptr(0x140000000)
	entryPoint = uintptr(0x140001000)
)

// fixtureNeighbours names the non-InLoadOrderLinks lists UnlinkFromPEB
// touches, each wired as a two-node circular list (entry <-> neighbour)
// distinct from InLoadOrderLinks, which instead sits in the real
// head<->entry list Walk also uses.
var fixtureNeighbours = map[string]struct {
	offset  uintptr
	address uintptr
}{
	"InMemoryOrderLinks":         {0x10, 0x7ff000004000},
	"InInitializationOrderLinks": {0x20, 0x7ff000005000},
	"HashLinks":                  {0x88, 0x7ff000006000},
}

// newSingleEntryMem builds a fakeMem with one loader entry at entryAddr,
// base dllBase, linked into the PEB's InLoadOrderModuleList (so Walk and
// LookupByBase find it) and into three more two-node circular lists (so
// UnlinkFromPEB's other three splices can be verified independently).
func newSingleEntryMem() *fakeMem {
	mem := newFakeMem()
	listHead := ldrAddr + 0x10

	mem.putU64(pebAddr+0x18, uint64(ldrAddr)) // pebLdrOffset64
	mem.putU64(listHead+0, uint64(entryAddr)) // head.Flink -> entry
	mem.putU64(listHead+8, uint64(entryAddr)) // head.Blink -> entry
	mem.putU64(entryAddr+0x00, uint64(listHead))
	mem.putU64(entryAddr+0x08, uint64(listHead))

	mem.putU64(entryAddr+0x30, uint64(dllBase)) // entryDllBase
	mem.putU64(entryAddr+0x38, uint64(entryPoint))
	mem.putU32(entryAddr+0x40, 0x2000) // entrySizeOfImage

	for _, n := range fixtureNeighbours {
		mem.putU64(entryAddr+n.offset, uint64(n.address))
		mem.putU64(entryAddr+n.offset+8, uint64(n.address))
		mem.putU64(n.address+0, uint64(entryAddr))
		mem.putU64(n.address+8, uint64(entryAddr))
	}

	return mem
}

func newTestPass(mem *fakeMem) *Pass {
	return New(mem, 0, pebAddr, true, zap.NewNop())
}

func TestUnlinkFromPEBSplicesAllFourLists(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	outcomes, err := p.UnlinkFromPEB(dllBase)
	if err != nil {
		t.Fatalf("UnlinkFromPEB: %v", err)
	}
	if len(outcomes) != 4 {
		t.Fatalf("len(outcomes) = %d, want 4", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.OK {
			t.Errorf("list %s: OK = false, err = %v", o.List, o.Err)
		}
	}

	listHead := ldrAddr + 0x10
	if got := mem.getU64(listHead + 0); got != uint64(listHead) {
		t.Errorf("head.Flink = %#x, want self-loop %#x", got, listHead)
	}
	if got := mem.getU64(listHead + 8); got != uint64(listHead) {
		t.Errorf("head.Blink = %#x, want self-loop %#x", got, listHead)
	}

	for name, n := range fixtureNeighbours {
		if got := mem.getU64(n.address + 0); got != uint64(n.address) {
			t.Errorf("%s: neighbour.Flink = %#x, want self-loop %#x", name, got, n.address)
		}
		if got := mem.getU64(n.address + 8); got != uint64(n.address) {
			t.Errorf("%s: neighbour.Blink = %#x, want self-loop %#x", name, got, n.address)
		}
	}
}

func TestUnlinkFromPEBModuleNotFound(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	if _, err := p.UnlinkFromPEB(0xdeadbeef); err == nil {
		t.Fatal("UnlinkFromPEB: want error for unknown base, got nil")
	}
}

func TestEraseHeadersZeroesRegion(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	for i := uintptr(0); i < 0x1000; i++ {
		mem.data[dllBase+i] = 0xAA
	}

	if err := p.EraseHeaders(dllBase, 0x1000); err != nil {
		t.Fatalf("EraseHeaders: %v", err)
	}
	for i := uintptr(0); i < 0x1000; i++ {
		if b := mem.data[dllBase+i]; b != 0 {
			t.Fatalf("byte at offset %#x = %#x, want 0", i, b)
		}
	}
}

func TestSpoofModuleNameUpdatesUnicodeString(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	if err := p.SpoofModuleName(dllBase, "explorer.dll"); err != nil {
		t.Fatalf("SpoofModuleName: %v", err)
	}

	entry, ok, err := p.nav.LookupByBase(pebAddr, dllBase)
	if err != nil || !ok {
		t.Fatalf("LookupByBase after spoof: ok=%v err=%v", ok, err)
	}
	if entry.BaseDllName != "explorer.dll" {
		t.Fatalf("BaseDllName = %q, want %q", entry.BaseDllName, "explorer.dll")
	}
}

const debugDataDirRVA = 0x178 // arbitrary fixture offset of DataDirectory[DEBUG]

func TestClearDebugDirectoryZeroesRegion(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	debugRVA, debugSize := uint32(0x3000), uint32(0x1c)
	for i := uintptr(0); i < uintptr(debugSize); i++ {
		mem.data[dllBase+uintptr(debugRVA)+i] = 0xFF
	}

	if err := p.ClearDebugDirectory(dllBase, debugRVA, debugSize, debugDataDirRVA); err != nil {
		t.Fatalf("ClearDebugDirectory: %v", err)
	}
	for i := uintptr(0); i < uintptr(debugSize); i++ {
		if b := mem.data[dllBase+uintptr(debugRVA)+i]; b != 0 {
			t.Fatalf("debug byte at offset %#x = %#x, want 0", i, b)
		}
	}
}

func TestClearDebugDirectoryZeroesDataDirectoryEntry(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	debugRVA, debugSize := uint32(0x3000), uint32(0x1c)
	for i := uintptr(0); i < 8; i++ {
		mem.data[dllBase+debugDataDirRVA+i] = 0xFF
	}

	if err := p.ClearDebugDirectory(dllBase, debugRVA, debugSize, debugDataDirRVA); err != nil {
		t.Fatalf("ClearDebugDirectory: %v", err)
	}
	for i := uintptr(0); i < 8; i++ {
		if b := mem.data[dllBase+debugDataDirRVA+i]; b != 0 {
			t.Fatalf("data directory entry byte at offset %#x = %#x, want 0", i, b)
		}
	}
}

func TestClearDebugDirectoryZeroesEntryWhenRegionAbsent(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	for i := uintptr(0); i < 8; i++ {
		mem.data[dllBase+debugDataDirRVA+i] = 0xFF
	}

	if err := p.ClearDebugDirectory(dllBase, 0, 0, debugDataDirRVA); err != nil {
		t.Fatalf("ClearDebugDirectory with no debug dir: %v", err)
	}
	for i := uintptr(0); i < 8; i++ {
		if b := mem.data[dllBase+debugDataDirRVA+i]; b != 0 {
			t.Fatalf("data directory entry byte at offset %#x = %#x, want still-zeroed even with no pointed-to region", i, b)
		}
	}
}

func TestIsHidden(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	hidden, err := p.IsHidden(dllBase)
	if err != nil {
		t.Fatalf("IsHidden: %v", err)
	}
	if hidden {
		t.Fatal("IsHidden = true before unlink, want false")
	}

	if _, err := p.UnlinkFromPEB(dllBase); err != nil {
		t.Fatalf("UnlinkFromPEB: %v", err)
	}

	hidden, err = p.IsHidden(dllBase)
	if err != nil {
		t.Fatalf("IsHidden after unlink: %v", err)
	}
	if !hidden {
		t.Fatal("IsHidden = false after unlink, want true")
	}
}

func TestRandomizeTimestamp(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)
	mem.putU32(entryAddr+0x7c, 0x5f000000) // entryTimeDateStamp, original value

	if err := p.RandomizeTimestamp(dllBase, 0x12345678); err != nil {
		t.Fatalf("RandomizeTimestamp: %v", err)
	}
	if got := mem.getU32(entryAddr + 0x7c); got != 0x12345678 {
		t.Fatalf("TimeDateStamp = %#x, want %#x", got, 0x12345678)
	}
}

func TestApplyRunsEveryRequestedTechnique(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	res, err := p.Apply(dllBase, 0x1000, 0x3000, 0x1c, debugDataDirRVA, model.AntiDetectMaximum, Options{SpoofName: "ntdll.dll", FakeTimestamp: 0x1})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Unlinked) != 4 {
		t.Fatalf("len(res.Unlinked) = %d, want 4", len(res.Unlinked))
	}
	if !res.HeadersErased {
		t.Error("HeadersErased = false, want true")
	}
	if !res.NameSpoofed {
		t.Error("NameSpoofed = false, want true")
	}
	if !res.DebugCleared {
		t.Error("DebugCleared = false, want true")
	}
	if res.Partial {
		t.Error("Partial = true, want false when every technique succeeds")
	}
}

func TestApplyPartialOnMissingModule(t *testing.T) {
	mem := newSingleEntryMem()
	p := newTestPass(mem)

	res, err := p.Apply(0xdeadbeef, 0x1000, 0, 0, debugDataDirRVA, model.AntiDetectUnlinkFromPEB, Options{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Partial {
		t.Fatal("Partial = false, want true when the module cannot be located")
	}
}
