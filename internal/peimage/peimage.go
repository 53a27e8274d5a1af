// Package peimage implements component C1, the PE Image Reader: parsing
// and validating a DLL file on disk and exposing its headers, sections
// and data directories. Grounded on the teacher's pe_reader.go (DOS/COFF/
// optional-header struct shapes and the RVA→file-offset scan) and on
// saferwall-pe's file.go (mmap-backed zero-copy reads) and security.go
// (pkcs7-based Authenticode parsing).
package peimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"go.mozilla.org/pkcs7"

	"github.com/skyfiend/xordll/internal/xerr"
)

const (
	machineI386  = 0x014c
	machineAMD64 = 0x8664

	characteristicsDLL = 0x2000 // IMAGE_FILE_DLL

	optMagicPE32    = 0x10b
	optMagicPE32Plus = 0x20b

	dataDirExport      = 0
	dataDirImport      = 1
	dataDirResource    = 2
	dataDirException   = 3
	dataDirSecurity    = 4
	dataDirBaseReloc   = 5
	dataDirDebug       = 6
	dataDirTLS         = 9
	dataDirCount       = 16

	maxFileSize = 512 * 1024 * 1024 // 512 MiB — FileTooLarge beyond this
)

// DOSHeader is the MZ header (fields the mapper cares about only).
type DOSHeader struct {
	Magic    uint16
	PEOffset uint32 // e_lfanew
}

// COFFHeader is IMAGE_FILE_HEADER.
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// DataDirectory is IMAGE_DATA_DIRECTORY.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// OptionalHeader carries the subset of IMAGE_OPTIONAL_HEADER(32|64)
// fields needed by the rest of the engine, normalized across bitness.
type OptionalHeader struct {
	Magic               uint16
	AddressOfEntryPoint uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	NumberOfRvaAndSizes uint32
	DataDirectory       [dataDirCount]DataDirectory
}

func (o OptionalHeader) Is64Bit() bool { return o.Magic == optMagicPE32Plus }

// SectionDescriptor is IMAGE_SECTION_HEADER.
type SectionDescriptor struct {
	Name                 string
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	Characteristics      uint32
}

// ImportDescriptor mirrors IMAGE_IMPORT_DESCRIPTOR plus decoded thunks.
type ImportDescriptor struct {
	ModuleName     string
	FirstThunkRVA  uint32
	OrigThunkRVA   uint32
	Thunks         []ImportThunk
}

// ImportThunk is one resolved-or-not IAT slot.
type ImportThunk struct {
	ByOrdinal bool
	Ordinal   uint16
	Name      string
	IATOffset uint32 // offset into the thunk array, in thunk units
}

// RelocationBlock is one IMAGE_BASE_RELOCATION block.
type RelocationBlock struct {
	PageRVA uint32
	Entries []RelocationEntry
}

// RelocationEntry is one fixup within a relocation block.
type RelocationEntry struct {
	Type   uint16 // high 4 bits of the WORD, e.g. IMAGE_REL_BASED_DIR64
	Offset uint16 // low 12 bits: offset within the page
}

// TLSDirectory mirrors IMAGE_TLS_DIRECTORY (64-bit fields; 32-bit values
// are sign/zero-extended on parse).
type TLSDirectory struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

// DebugDirectory mirrors one IMAGE_DEBUG_DIRECTORY entry.
type DebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// PeImage is the owned interpretation of a DLL's bytes (spec.md §3).
type PeImage struct {
	RawBytes []byte

	DOS    DOSHeader
	COFF   COFFHeader
	Opt    OptionalHeader
	Sections []SectionDescriptor
	Imports  []ImportDescriptor
	Relocs   []RelocationBlock
	TLS      *TLSDirectory
	Debug    *DebugDirectory

	ImageSize     uint32
	PreferredBase uint64
	EntryPointRVA uint32
}

// Is64Bit reports the machine type extracted during parse.
func (p *PeImage) Is64Bit() bool { return p.COFF.Machine == machineAMD64 }

// DataDirectoryRVA returns the RVA of the 8-byte IMAGE_DATA_DIRECTORY
// entry at index (e.g. dataDirDebug) within the optional header, the
// same offset parseOptionalHeader uses to read it: the optional header
// starts at e_lfanew+24 (the 4-byte "PE\0\0" signature plus the 20-byte
// COFF header), and the directory array sits at +96 (PE32) or +112
// (PE32+) into that header. This RVA equals the file offset, since the
// header region maps 1:1 below SizeOfHeaders.
func (p *PeImage) DataDirectoryRVA(index int) uint32 {
	optOff := p.DOS.PEOffset + 4 + 20
	arrayOff := optOff + 96
	if p.Is64Bit() {
		arrayOff = optOff + 112
	}
	return arrayOff + uint32(index*8)
}

// DebugDataDirectoryRVA is DataDirectoryRVA(dataDirDebug), exported for
// internal/antidetect's ClearDebugDirectory, which needs to zero this
// entry alongside the region it points to.
func (p *PeImage) DebugDataDirectoryRVA() uint32 {
	return p.DataDirectoryRVA(dataDirDebug)
}

// RVAToOffset performs the linear section scan spec.md names, returning
// the file offset a relative virtual address maps to.
func (p *PeImage) RVAToOffset(rva uint32) (uint32, bool) {
	for _, s := range p.Sections {
		end := s.VirtualAddress + s.VirtualSize
		if s.VirtualSize == 0 {
			end = s.VirtualAddress + s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva < end {
			delta := rva - s.VirtualAddress
			if delta >= s.SizeOfRawData {
				return 0, false
			}
			return s.PointerToRawData + delta, true
		}
	}
	// RVAs below the first section (inside the headers) map 1:1.
	if rva < p.Opt.SizeOfHeaders {
		return rva, true
	}
	return 0, false
}

// Parse validates and parses a DLL's raw bytes into a PeImage, per
// spec.md §4.C1: MZ/PE signatures, machine ∈ {x86,x64}, IMAGE_FILE_DLL
// set, e_lfanew + sizeof(NT headers) ≤ file size.
func Parse(data []byte) (*PeImage, error) {
	if len(data) > maxFileSize {
		return nil, xerr.New(xerr.FileTooLarge, "peimage.Parse", nil)
	}
	if len(data) < 64 {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: file too small for DOS header", nil)
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: missing MZ signature", nil)
	}

	lfanew := binary.LittleEndian.Uint32(data[0x3C:0x40])
	// IMAGE_FILE_HEADER is 20 bytes after the 4-byte PE signature; the
	// optional header follows. We need at least signature+COFF header
	// to proceed, and validate the full NT-headers bound once we know
	// SizeOfOptionalHeader.
	if uint64(lfanew)+24 > uint64(len(data)) {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: e_lfanew out of bounds", nil)
	}

	sig := data[lfanew : lfanew+4]
	if !bytes.Equal(sig, []byte{'P', 'E', 0, 0}) {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: missing PE signature", nil)
	}

	coffOff := lfanew + 4
	coff := COFFHeader{
		Machine:              binary.LittleEndian.Uint16(data[coffOff : coffOff+2]),
		NumberOfSections:     binary.LittleEndian.Uint16(data[coffOff+2 : coffOff+4]),
		TimeDateStamp:        binary.LittleEndian.Uint32(data[coffOff+4 : coffOff+8]),
		PointerToSymbolTable: binary.LittleEndian.Uint32(data[coffOff+8 : coffOff+12]),
		NumberOfSymbols:      binary.LittleEndian.Uint32(data[coffOff+12 : coffOff+16]),
		SizeOfOptionalHeader: binary.LittleEndian.Uint16(data[coffOff+16 : coffOff+18]),
		Characteristics:      binary.LittleEndian.Uint16(data[coffOff+18 : coffOff+20]),
	}

	if coff.Machine != machineI386 && coff.Machine != machineAMD64 {
		return nil, xerr.New(xerr.DllArchMismatch, "peimage.Parse: unsupported machine type", nil)
	}
	if coff.Characteristics&characteristicsDLL == 0 {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: IMAGE_FILE_DLL not set", nil)
	}

	optOff := uint64(coffOff) + 20
	if optOff+uint64(coff.SizeOfOptionalHeader) > uint64(len(data)) {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: optional header out of bounds", nil)
	}

	opt, err := parseOptionalHeader(data, uint32(optOff), coff.Machine)
	if err != nil {
		return nil, err
	}

	sectOff := uint32(optOff) + uint32(coff.SizeOfOptionalHeader)
	sections, err := parseSections(data, sectOff, coff.NumberOfSections)
	if err != nil {
		return nil, err
	}

	total := uint32(0)
	for _, s := range sections {
		total += s.SizeOfRawData
	}
	if uint64(total) > uint64(len(data)) {
		return nil, xerr.New(xerr.InvalidFileFormat, "peimage.Parse: section raw sizes exceed file size", nil)
	}

	img := &PeImage{
		RawBytes:      data,
		DOS:           DOSHeader{Magic: binary.LittleEndian.Uint16(data[0:2]), PEOffset: lfanew},
		COFF:          coff,
		Opt:           opt,
		Sections:      sections,
		ImageSize:     opt.SizeOfImage,
		PreferredBase: opt.ImageBase,
		EntryPointRVA: opt.AddressOfEntryPoint,
	}

	img.Imports = parseImports(img)
	img.Relocs = parseRelocations(img)
	img.TLS = parseTLS(img)
	img.Debug = parseDebugDirectory(img)

	return img, nil
}

func parseOptionalHeader(data []byte, off uint32, machine uint16) (OptionalHeader, error) {
	var o OptionalHeader
	if int(off)+2 > len(data) {
		return o, xerr.New(xerr.InvalidFileFormat, "peimage: optional header missing", nil)
	}
	o.Magic = binary.LittleEndian.Uint16(data[off : off+2])

	is64 := o.Magic == optMagicPE32Plus
	if (is64 && machine != machineAMD64) || (!is64 && machine != machineI386) {
		return o, xerr.New(xerr.DllArchMismatch, "peimage: optional header magic does not match machine type", nil)
	}

	o.AddressOfEntryPoint = binary.LittleEndian.Uint32(data[off+16 : off+20])
	o.SectionAlignment = binary.LittleEndian.Uint32(data[off+32 : off+36])
	o.FileAlignment = binary.LittleEndian.Uint32(data[off+36 : off+40])

	var dataDirOff uint32
	if is64 {
		o.ImageBase = binary.LittleEndian.Uint64(data[off+24 : off+32])
		o.SizeOfImage = binary.LittleEndian.Uint32(data[off+56 : off+60])
		o.SizeOfHeaders = binary.LittleEndian.Uint32(data[off+60 : off+64])
		o.Subsystem = binary.LittleEndian.Uint16(data[off+68 : off+70])
		o.DllCharacteristics = binary.LittleEndian.Uint16(data[off+70 : off+72])
		o.NumberOfRvaAndSizes = binary.LittleEndian.Uint32(data[off+108 : off+112])
		dataDirOff = off + 112
	} else {
		o.ImageBase = uint64(binary.LittleEndian.Uint32(data[off+28 : off+32]))
		o.SizeOfImage = binary.LittleEndian.Uint32(data[off+56 : off+60])
		o.SizeOfHeaders = binary.LittleEndian.Uint32(data[off+60 : off+64])
		o.Subsystem = binary.LittleEndian.Uint16(data[off+68 : off+70])
		o.DllCharacteristics = binary.LittleEndian.Uint16(data[off+70 : off+72])
		o.NumberOfRvaAndSizes = binary.LittleEndian.Uint32(data[off+92 : off+96])
		dataDirOff = off + 96
	}

	n := int(o.NumberOfRvaAndSizes)
	if n > dataDirCount {
		n = dataDirCount
	}
	for i := 0; i < n; i++ {
		base := dataDirOff + uint32(i*8)
		if int(base)+8 > len(data) {
			break
		}
		o.DataDirectory[i] = DataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(data[base : base+4]),
			Size:           binary.LittleEndian.Uint32(data[base+4 : base+8]),
		}
	}
	return o, nil
}

func parseSections(data []byte, off uint32, count uint16) ([]SectionDescriptor, error) {
	const entrySize = 40
	sections := make([]SectionDescriptor, 0, count)
	for i := uint16(0); i < count; i++ {
		base := off + uint32(i)*entrySize
		if int(base)+entrySize > len(data) {
			return nil, xerr.New(xerr.InvalidFileFormat, "peimage: section header out of bounds", nil)
		}
		name := bytes.TrimRight(data[base:base+8], "\x00")
		sections = append(sections, SectionDescriptor{
			Name:             string(name),
			VirtualSize:      binary.LittleEndian.Uint32(data[base+8 : base+12]),
			VirtualAddress:   binary.LittleEndian.Uint32(data[base+12 : base+16]),
			SizeOfRawData:    binary.LittleEndian.Uint32(data[base+16 : base+20]),
			PointerToRawData: binary.LittleEndian.Uint32(data[base+20 : base+24]),
			Characteristics:  binary.LittleEndian.Uint32(data[base+36 : base+40]),
		})
	}
	return sections, nil
}

func parseImports(img *PeImage) []ImportDescriptor {
	dd := img.Opt.DataDirectory[dataDirImport]
	if dd.VirtualAddress == 0 {
		return nil
	}
	var out []ImportDescriptor
	const entrySize = 20
	for i := 0; ; i++ {
		rva := dd.VirtualAddress + uint32(i*entrySize)
		off, ok := img.RVAToOffset(rva)
		if !ok || int(off)+entrySize > len(img.RawBytes) {
			break
		}
		b := img.RawBytes[off : off+entrySize]
		origThunk := binary.LittleEndian.Uint32(b[0:4])
		nameRVA := binary.LittleEndian.Uint32(b[12:16])
		firstThunk := binary.LittleEndian.Uint32(b[16:20])
		if origThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}
		nameOff, ok := img.RVAToOffset(nameRVA)
		name := ""
		if ok {
			name = readCString(img.RawBytes, nameOff)
		}
		desc := ImportDescriptor{ModuleName: name, FirstThunkRVA: firstThunk, OrigThunkRVA: origThunk}
		desc.Thunks = parseThunks(img, origThunk, firstThunk)
		out = append(out, desc)
	}
	return out
}

func parseThunks(img *PeImage, origThunkRVA, firstThunkRVA uint32) []ImportThunk {
	thunkRVA := origThunkRVA
	if thunkRVA == 0 {
		thunkRVA = firstThunkRVA
	}
	entrySize := uint32(4)
	ordinalFlag := uint64(1) << 31
	if img.Is64Bit() {
		entrySize = 8
		ordinalFlag = uint64(1) << 63
	}
	var out []ImportThunk
	for i := 0; ; i++ {
		rva := thunkRVA + uint32(i)*entrySize
		off, ok := img.RVAToOffset(rva)
		if !ok {
			break
		}
		var val uint64
		if img.Is64Bit() {
			if int(off)+8 > len(img.RawBytes) {
				break
			}
			val = binary.LittleEndian.Uint64(img.RawBytes[off : off+8])
		} else {
			if int(off)+4 > len(img.RawBytes) {
				break
			}
			val = uint64(binary.LittleEndian.Uint32(img.RawBytes[off : off+4]))
		}
		if val == 0 {
			break
		}
		t := ImportThunk{IATOffset: uint32(i) * entrySize}
		if val&ordinalFlag != 0 {
			t.ByOrdinal = true
			t.Ordinal = uint16(val & 0xFFFF)
		} else {
			nameOff, ok := img.RVAToOffset(uint32(val))
			if ok && int(nameOff)+2 <= len(img.RawBytes) {
				t.Name = readCString(img.RawBytes, nameOff+2) // skip Hint WORD
			}
		}
		out = append(out, t)
	}
	return out
}

func parseRelocations(img *PeImage) []RelocationBlock {
	dd := img.Opt.DataDirectory[dataDirBaseReloc]
	if dd.VirtualAddress == 0 {
		return nil
	}
	var out []RelocationBlock
	off, ok := img.RVAToOffset(dd.VirtualAddress)
	if !ok {
		return nil
	}
	end := off + dd.Size
	if end > uint32(len(img.RawBytes)) {
		end = uint32(len(img.RawBytes))
	}
	for off+8 <= end {
		pageRVA := binary.LittleEndian.Uint32(img.RawBytes[off : off+4])
		blockSize := binary.LittleEndian.Uint32(img.RawBytes[off+4 : off+8])
		if blockSize < 8 {
			break
		}
		count := (blockSize - 8) / 2
		block := RelocationBlock{PageRVA: pageRVA}
		for i := uint32(0); i < count; i++ {
			entryOff := off + 8 + i*2
			if entryOff+2 > end {
				break
			}
			raw := binary.LittleEndian.Uint16(img.RawBytes[entryOff : entryOff+2])
			block.Entries = append(block.Entries, RelocationEntry{
				Type:   raw >> 12,
				Offset: raw & 0x0FFF,
			})
		}
		out = append(out, block)
		off += blockSize
	}
	return out
}

func parseTLS(img *PeImage) *TLSDirectory {
	dd := img.Opt.DataDirectory[dataDirTLS]
	if dd.VirtualAddress == 0 {
		return nil
	}
	off, ok := img.RVAToOffset(dd.VirtualAddress)
	if !ok {
		return nil
	}
	if img.Is64Bit() {
		if int(off)+40 > len(img.RawBytes) {
			return nil
		}
		b := img.RawBytes[off : off+40]
		return &TLSDirectory{
			StartAddressOfRawData: binary.LittleEndian.Uint64(b[0:8]),
			EndAddressOfRawData:   binary.LittleEndian.Uint64(b[8:16]),
			AddressOfIndex:        binary.LittleEndian.Uint64(b[16:24]),
			AddressOfCallBacks:    binary.LittleEndian.Uint64(b[24:32]),
			SizeOfZeroFill:        binary.LittleEndian.Uint32(b[32:36]),
			Characteristics:       binary.LittleEndian.Uint32(b[36:40]),
		}
	}
	if int(off)+24 > len(img.RawBytes) {
		return nil
	}
	b := img.RawBytes[off : off+24]
	return &TLSDirectory{
		StartAddressOfRawData: uint64(binary.LittleEndian.Uint32(b[0:4])),
		EndAddressOfRawData:   uint64(binary.LittleEndian.Uint32(b[4:8])),
		AddressOfIndex:        uint64(binary.LittleEndian.Uint32(b[8:12])),
		AddressOfCallBacks:    uint64(binary.LittleEndian.Uint32(b[12:16])),
		SizeOfZeroFill:        binary.LittleEndian.Uint32(b[16:20]),
		Characteristics:       binary.LittleEndian.Uint32(b[20:24]),
	}
}

func parseDebugDirectory(img *PeImage) *DebugDirectory {
	dd := img.Opt.DataDirectory[dataDirDebug]
	if dd.VirtualAddress == 0 {
		return nil
	}
	off, ok := img.RVAToOffset(dd.VirtualAddress)
	if !ok || int(off)+28 > len(img.RawBytes) {
		return nil
	}
	b := img.RawBytes[off : off+28]
	return &DebugDirectory{
		Characteristics:  binary.LittleEndian.Uint32(b[0:4]),
		TimeDateStamp:    binary.LittleEndian.Uint32(b[4:8]),
		Type:             binary.LittleEndian.Uint32(b[12:16]),
		SizeOfData:       binary.LittleEndian.Uint32(b[16:20]),
		AddressOfRawData: binary.LittleEndian.Uint32(b[20:24]),
		PointerToRawData: binary.LittleEndian.Uint32(b[24:28]),
	}
}

func readCString(data []byte, off uint32) string {
	if int(off) >= len(data) {
		return ""
	}
	end := off
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}

// cacheEntry holds one parsed image; it records no mtime or size, so a
// file changed on disk is not re-parsed.
type cacheEntry struct {
	img *PeImage
}

// Cache is a per-path PE parse cache with a coarse mutex, per spec.md
// §4.C1 ("a per-path cache with a coarse mutex prevents repeated
// parses"), grounded on saferwall-pe's file.go mmap-backed File type.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache builds an empty PE parse cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Load parses path, memoized by the path string exactly as given; the
// path is not canonicalised, so two spellings of one file parse twice.
func (c *Cache) Load(path string) (*PeImage, error) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		c.mu.Unlock()
		return e.img, nil
	}
	c.mu.Unlock()

	data, err := readFileMapped(path)
	if err != nil {
		return nil, err
	}
	img, err := Parse(data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[path] = cacheEntry{img: img}
	c.mu.Unlock()
	return img, nil
}

// Invalidate explicitly evicts path from the cache (spec.md: "invalidated
// only by explicit removal").
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// IsSigned reports whether the file carries an Authenticode (PKCS#7)
// signature in its security data directory, parsed with go.mozilla.org/
// pkcs7 the way saferwall-pe's security.go does; it does not validate the
// certificate chain — spec.md's WinVerifyTrust call (external interface,
// §6) is the authority for trust, this only checks presence+parseability.
func IsSigned(img *PeImage) (bool, error) {
	dd := img.Opt.DataDirectory[dataDirSecurity]
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return false, nil
	}
	// The security directory's "VirtualAddress" is a raw file offset,
	// not an RVA, per the PE spec.
	off := dd.VirtualAddress
	if uint64(off)+uint64(dd.Size) > uint64(len(img.RawBytes)) {
		return false, xerr.New(xerr.DllCorrupted, "peimage.IsSigned: WIN_CERTIFICATE out of bounds", nil)
	}
	if dd.Size < 8 {
		return false, nil
	}
	cert := img.RawBytes[off+8 : off+dd.Size] // skip WIN_CERTIFICATE header (dwLength, wRevision, wCertificateType)
	if _, err := pkcs7.Parse(cert); err != nil {
		return false, fmt.Errorf("peimage.IsSigned: %w", err)
	}
	return true, nil
}

// readFileMapped opens and mmaps path read-only, copying the bytes out so
// the returned slice outlives the mapping (mirrors saferwall-pe's
// mmap.Map(f, mmap.RDONLY, 0) usage in file.go, unmapped immediately
// since PeImage retains no file handle).
func readFileMapped(path string) ([]byte, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, xerr.New(xerr.FileNotFound, "peimage.readFileMapped", err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, xerr.New(xerr.FileReadError, "peimage.readFileMapped: mmap", err)
	}
	defer m.Unmap()

	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}
