package manualmap

import (
	"context"

	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/shellcode"
	"github.com/skyfiend/xordll/internal/xerr"
)

// Windows memory-protection constants, duplicated here (rather than
// importing golang.org/x/sys/windows, which this package's non-Windows
// files avoid) so the platform-neutral stage logic below can name them
// directly; the _windows.go half of this package is the only place
// that ever calls into the OS with these values.
const (
	pageNoAccess         = 0x01
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
)

// allocate requests SizeOfImage with RWX and retries once on failure
// (stage 3). allocAt ignores the base it is given, so both requests let
// the OS choose the address; the preferred base is not requested.
func (m *Mapper) allocate(st *mapState) (remotemem.Region, error) {
	size := uintptr(st.img.ImageSize)
	region, err := m.allocAt(st.process, uintptr(st.img.PreferredBase), size)
	if err == nil {
		return region, nil
	}
	m.logger.Debug("preferred base denied, falling back to OS-chosen address")
	return m.allocAt(st.process, 0, size)
}

// stageHeaders copies the first SizeOfHeaders bytes to the allocated
// base (stage 4).
func (m *Mapper) stageHeaders(st *mapState) error {
	n := int(st.img.Opt.SizeOfHeaders)
	if n > len(st.img.RawBytes) {
		n = len(st.img.RawBytes)
	}
	return m.mem.Write(st.process, st.base, st.img.RawBytes[:n])
}

// copySections writes each section's raw bytes to base+VirtualAddress,
// skipping sections with zero raw size (stage 5), mirroring
// memmod_windows.go's copySections — but written into foreign memory
// instead of the local address space its a2p() casts reach into.
func (m *Mapper) copySections(st *mapState) error {
	for _, s := range st.img.Sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		end := s.PointerToRawData + s.SizeOfRawData
		if int(end) > len(st.img.RawBytes) {
			return xerr.New(xerr.DllCorrupted, "manualmap.copySections: section raw data out of bounds", nil)
		}
		dest := st.base + uintptr(s.VirtualAddress)
		if err := m.mem.Write(st.process, dest, st.img.RawBytes[s.PointerToRawData:end]); err != nil {
			return xerr.New(xerr.MemoryWriteFailed, "manualmap.copySections: "+s.Name, err)
		}
	}
	return nil
}

// relocate walks the base-relocation directory when the chosen base
// differs from the preferred base, patching each HIGHLOW (x86) or
// DIR64 (x64) fixup by adding delta; ABSOLUTE entries are skipped
// (stage 6). Grounded on memmod_windows.go's performBaseRelocation.
const (
	relocAbsolute = 0
	relocHighLow  = 3 // IMAGE_REL_BASED_HIGHLOW (x86)
	relocDir64    = 10 // IMAGE_REL_BASED_DIR64 (x64)
)

func (m *Mapper) relocate(st *mapState) error {
	if st.base == uintptr(st.img.PreferredBase) {
		return nil // no relocation needed
	}
	delta := int64(st.base) - int64(st.img.PreferredBase)

	for _, block := range st.img.Relocs {
		pageBase := st.base + uintptr(block.PageRVA)
		for _, e := range block.Entries {
			addr := pageBase + uintptr(e.Offset)
			switch e.Type {
			case relocAbsolute:
				continue
			case relocHighLow:
				raw, err := m.mem.Read(st.process, addr, 4)
				if err != nil {
					return xerr.New(xerr.MemoryReadFailed, "manualmap.relocate: read HIGHLOW", err)
				}
				val := le32(raw)
				val = uint32(int64(val) + delta)
				if err := m.mem.Write(st.process, addr, u32le(val)); err != nil {
					return xerr.New(xerr.MemoryWriteFailed, "manualmap.relocate: write HIGHLOW", err)
				}
			case relocDir64:
				raw, err := m.mem.Read(st.process, addr, 8)
				if err != nil {
					return xerr.New(xerr.MemoryReadFailed, "manualmap.relocate: read DIR64", err)
				}
				val := le64(raw)
				val = uint64(int64(val) + delta)
				if err := m.mem.Write(st.process, addr, u64le(val)); err != nil {
					return xerr.New(xerr.MemoryWriteFailed, "manualmap.relocate: write DIR64", err)
				}
			}
		}
	}
	return nil
}

// resolveImports walks every IMAGE_IMPORT_DESCRIPTOR, ensures the named
// module is loaded in the target (via the resolver), resolves each
// thunk, and writes the resolved address back into the IAT slot at
// base+FirstThunk (stage 7).
func (m *Mapper) resolveImports(ctx context.Context, st *mapState) error {
	ptrSize := uintptr(8)
	if !st.targetIs64 {
		ptrSize = 4
	}

	for _, imp := range st.img.Imports {
		remoteBase, err := m.resolve.EnsureModuleLoaded(ctx, st.process, st.targetIs64, imp.ModuleName)
		if err != nil {
			return xerr.New(xerr.ModuleNotFound, "manualmap.resolveImports: "+imp.ModuleName, err)
		}

		for _, thunk := range imp.Thunks {
			addr, err := m.resolve.ResolveExport(imp.ModuleName, remoteBase, thunk)
			if err != nil {
				return xerr.New(xerr.ModuleNotFound, "manualmap.resolveImports: unresolved import in "+imp.ModuleName, err)
			}
			iatAddr := st.base + uintptr(imp.FirstThunkRVA) + uintptr(thunk.IATOffset)
			var buf []byte
			if st.targetIs64 {
				buf = u64le(uint64(addr))
			} else {
				buf = u32le(uint32(addr))
			}
			if err := m.mem.Write(st.process, iatAddr, buf); err != nil {
				return xerr.New(xerr.MemoryWriteFailed, "manualmap.resolveImports: write IAT slot", err)
			}
		}
		_ = ptrSize
	}
	return nil
}

// runTLSCallbacks walks AddressOfCallBacks as a null-terminated pointer
// array and invokes each callback via a short-lived remote thread with
// (codeBase, DLL_PROCESS_ATTACH, 0) — the only part of the TLS
// directory the basic implementation executes (stage 8, intentionally
// soft: spec.md treats any failure here as a warning).
func (m *Mapper) runTLSCallbacks(st *mapState) error {
	if st.img.TLS == nil || st.img.TLS.AddressOfCallBacks == 0 {
		return nil
	}
	return m.invokeTLSCallbacks(st)
}

// protectSections walks sections and sets PAGE_* according to
// Characteristics: execute => EXECUTE_READ(_WRITE); writable-only =>
// READWRITE; neither => READONLY (stage 9).
const (
	scnMemExecute = 0x20000000
	scnMemWrite   = 0x80000000
)

func sectionProtection(characteristics uint32) uint32 {
	exec := characteristics&scnMemExecute != 0
	write := characteristics&scnMemWrite != 0
	switch {
	case exec && write:
		return pageExecuteReadWrite
	case exec:
		return pageExecuteRead
	case write:
		return pageReadWrite
	default:
		return pageReadOnly
	}
}

func (m *Mapper) protectSections(st *mapState) error {
	for _, s := range st.img.Sections {
		size := uintptr(s.VirtualSize)
		if size == 0 {
			size = uintptr(s.SizeOfRawData)
		}
		if size == 0 {
			continue
		}
		addr := st.base + uintptr(s.VirtualAddress)
		protect := sectionProtection(s.Characteristics)
		if _, err := m.mem.Protect(st.process, addr, size, protect); err != nil {
			return xerr.New(xerr.MemoryProtectionFailed, "manualmap.protectSections: "+s.Name, err)
		}
	}
	return nil
}

// invokeEntry builds the DllMain trampoline via C4, writes it to fresh
// remote memory, runs it on a remote thread with a finite timeout, and
// treats a non-zero return as success (stage 10). The shellcode page is
// freed on completion regardless of outcome.
func (m *Mapper) invokeEntry(st *mapState) error {
	entryAddr := st.base + uintptr(st.img.EntryPointRVA)

	var trampoline []byte
	if st.targetIs64 {
		trampoline = shellcode.DllMainCallX64(st.base, entryAddr, 1 /* DLL_PROCESS_ATTACH */)
	} else {
		trampoline = shellcode.DllMainCallX86(uint32(st.base), uint32(entryAddr), 1)
	}

	region, err := m.mem.Alloc(st.process, uintptr(len(trampoline)), pageExecuteReadWrite)
	if err != nil {
		return xerr.New(xerr.MemoryAllocationFailed, "manualmap.invokeEntry: allocate trampoline", err)
	}
	defer m.mem.Free(region)

	if err := m.mem.Write(st.process, region.Address, trampoline); err != nil {
		return xerr.New(xerr.MemoryWriteFailed, "manualmap.invokeEntry: write trampoline", err)
	}

	code, err := m.runAndWait(st.process, region.Address)
	if err != nil {
		return xerr.New(xerr.InjectionFailed, "manualmap.invokeEntry: entry point execution", err)
	}
	if code == 0 {
		return xerr.New(xerr.InjectionFailed, "manualmap.invokeEntry", nil).
			WithSuggestion("DllMain returned FALSE for DLL_PROCESS_ATTACH")
	}
	return nil
}

// clearHeaders zeroes the first SizeOfHeaders bytes after stage 11.
func (m *Mapper) clearHeaders(st *mapState) error {
	n := uintptr(st.img.Opt.SizeOfHeaders)
	return m.mem.Write(st.process, st.base, make([]byte, n))
}

// clearDiscardableSections zeroes sections marked IMAGE_SCN_MEM_DISCARDABLE.
const scnMemDiscardable = 0x02000000

func (m *Mapper) clearDiscardableSections(st *mapState) error {
	for _, s := range st.img.Sections {
		if s.Characteristics&scnMemDiscardable == 0 {
			continue
		}
		size := uintptr(s.VirtualSize)
		if size == 0 {
			continue
		}
		addr := st.base + uintptr(s.VirtualAddress)
		if err := m.mem.Write(st.process, addr, make([]byte, size)); err != nil {
			return err
		}
	}
	return nil
}

// cleanDataDirectories zeroes the data-directory array in the mapped
// optional header after import resolution, per MapFlagCleanDataDirs.
// The array's offset (internal/peimage.PeImage.DataDirectoryRVA(0)) is
// the same offset parseOptionalHeader used to read it, which equals the
// mapped image's RVA since the header region is copied byte-for-byte
// from file start in stageHeaders.
func (m *Mapper) cleanDataDirectories(st *mapState) error {
	dataDirOff := st.img.DataDirectoryRVA(0)

	n := int(st.img.Opt.NumberOfRvaAndSizes)
	if n > len(st.img.Opt.DataDirectory) {
		n = len(st.img.Opt.DataDirectory)
	}
	size := uintptr(n) * 8
	if size == 0 {
		return nil
	}
	return m.mem.Write(st.process, st.base+uintptr(dataDirOff), make([]byte, size))
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
