// Package antidetect implements component C8, Anti-Detection: post-map
// and post-inject passes against a foreign module base. Grounded on
// original_source/src/core/anti_detection.cpp/.h for the exact
// unlink/erase/spoof/clear-debug-directory sequence — that header's
// AntiDetectTechnique bitmask and LDR_DATA_TABLE_ENTRY_T/PEB_LDR_DATA_T
// layouts are the source of truth this package re-expresses in Go
// against internal/loadertable's reader and internal/remotemem's
// scoped-protect writer.
package antidetect

import (
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/loadertable"
	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/xerr"
)

// LinkOutcome reports one list's unlink result, per spec.md's "reports
// per-link outcome; any single failure marks the pass as partial but
// does not abort the others".
type LinkOutcome struct {
	List string
	OK   bool
	Err  error
}

// Result is the aggregate outcome of Apply.
type Result struct {
	Unlinked       []LinkOutcome
	HeadersErased  bool
	NameSpoofed    bool
	DebugCleared   bool
	Partial        bool
}

// Pass applies anti-detection techniques to one foreign module.
type Pass struct {
	mem     remotemem.Writer
	nav     *loadertable.Navigator
	process uintptr
	pebAddr uintptr
	is64    bool
	logger  *zap.Logger
}

// New builds a Pass bound to one process/PEB pair.
func New(mem remotemem.Writer, process uintptr, pebAddr uintptr, is64 bool, logger *zap.Logger) *Pass {
	return &Pass{
		mem:     mem,
		nav:     loadertable.New(mem, process, is64),
		process: process,
		pebAddr: pebAddr,
		is64:    is64,
		logger:  logger,
	}
}

// ptrSize is the target process's native pointer width.
func (p *Pass) ptrSize() uintptr {
	if p.is64 {
		return 8
	}
	return 4
}

func (p *Pass) readPtr(addr uintptr) (uintptr, error) {
	raw, err := p.mem.Read(p.process, addr, p.ptrSize())
	if err != nil {
		return 0, err
	}
	if p.is64 {
		return uintptr(le64(raw)), nil
	}
	return uintptr(le32(raw)), nil
}

func (p *Pass) writePtr(addr uintptr, val uintptr) error {
	if p.is64 {
		return p.mem.Write(p.process, addr, u64le(uint64(val)))
	}
	return p.mem.Write(p.process, addr, u32le(uint32(val)))
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

// Options carries the per-call inputs Apply needs beyond the bitmask
// itself: SpoofName is only consulted when flags names
// AntiDetectSpoofModuleName, and FakeTimestamp only when flags names
// AntiDetectRandomizeTimestamp — callers pick the replacement values
// since this package performs no randomness or clock reads of its own.
type Options struct {
	SpoofName     string
	FakeTimestamp uint32
}

// Apply runs every technique named in flags against moduleBase, for
// the entry, section headers, and optional header the image describes.
// The PEB unlink runs last, so the name-spoof and timestamp passes can
// still find the module's loader entry by base.
func (p *Pass) Apply(moduleBase uintptr, sizeOfHeaders uint32, debugDirRVA, debugDirSize, debugDataDirRVA uint32, flags model.AntiDetectFlag, opts Options) (Result, error) {
	var res Result

	if flags.Has(model.AntiDetectEraseHeaders) {
		if err := p.EraseHeaders(moduleBase, sizeOfHeaders); err != nil {
			res.Partial = true
			p.logger.Warn("erase headers failed", zap.Error(err))
		} else {
			res.HeadersErased = true
		}
	}

	if flags.Has(model.AntiDetectClearDebugInfo) {
		if err := p.ClearDebugDirectory(moduleBase, debugDirRVA, debugDirSize, debugDataDirRVA); err != nil {
			res.Partial = true
			p.logger.Warn("clear debug directory failed", zap.Error(err))
		} else {
			res.DebugCleared = true
		}
	}

	if flags.Has(model.AntiDetectSpoofModuleName) && opts.SpoofName != "" {
		if err := p.SpoofModuleName(moduleBase, opts.SpoofName); err != nil {
			res.Partial = true
			p.logger.Warn("spoof module name failed", zap.Error(err))
		} else {
			res.NameSpoofed = true
		}
	}

	if flags.Has(model.AntiDetectRandomizeTimestamp) {
		if err := p.RandomizeTimestamp(moduleBase, opts.FakeTimestamp); err != nil {
			res.Partial = true
			p.logger.Warn("randomize timestamp failed", zap.Error(err))
		}
	}

	if flags.Has(model.AntiDetectUnlinkFromPEB) {
		outcomes, err := p.UnlinkFromPEB(moduleBase)
		res.Unlinked = outcomes
		if err != nil {
			res.Partial = true
		}
		for _, o := range outcomes {
			if !o.OK {
				res.Partial = true
			}
		}
	}

	return res, nil
}

// RandomizeTimestamp overwrites the loader entry's TimeDateStamp field
// with newValue.
func (p *Pass) RandomizeTimestamp(moduleBase uintptr, newValue uint32) error {
	entry, ok, err := p.nav.LookupByBase(p.pebAddr, moduleBase)
	if err != nil {
		return xerr.New(xerr.Unknown, "antidetect.RandomizeTimestamp: locate entry", err)
	}
	if !ok {
		return xerr.New(xerr.ModuleNotFound, "antidetect.RandomizeTimestamp", nil)
	}
	if err := p.mem.Write(p.process, entry.TimestampAddr, u32le(newValue)); err != nil {
		return xerr.New(xerr.MemoryWriteFailed, "antidetect.RandomizeTimestamp", err)
	}
	return nil
}

// UnlinkFromPEB locates the LoaderEntry by DllBase, then for each of the
// four list links performs the doubly-linked-list unlink: the entry's
// predecessor's Flink is set to the entry's successor, and the
// successor's Blink is set to the entry's predecessor, removing the
// entry from the list without touching neighbouring entries.
func (p *Pass) UnlinkFromPEB(moduleBase uintptr) ([]LinkOutcome, error) {
	entry, ok, err := p.nav.LookupByBase(p.pebAddr, moduleBase)
	if err != nil {
		return nil, xerr.New(xerr.Unknown, "antidetect.UnlinkFromPEB: locate entry", err)
	}
	if !ok {
		return nil, xerr.New(xerr.ModuleNotFound, "antidetect.UnlinkFromPEB", nil)
	}

	links := []struct {
		name string
		addr uintptr
	}{
		{"InLoadOrderLinks", entry.InLoadLinksAddr},
		{"InMemoryOrderLinks", entry.InMemoryLinksAddr},
		{"InInitializationOrderLinks", entry.InInitLinksAddr},
		{"HashLinks", entry.HashLinksAddr},
	}

	out := make([]LinkOutcome, 0, len(links))
	for _, l := range links {
		err := p.unlinkListEntry(l.addr)
		out = append(out, LinkOutcome{List: l.name, OK: err == nil, Err: err})
	}
	return out, nil
}

// unlinkListEntry performs the classic doubly-linked-list removal:
// read this entry's Flink/Blink, then splice the neighbours together.
func (p *Pass) unlinkListEntry(entryAddr uintptr) error {
	flink, err := p.readPtr(entryAddr)
	if err != nil {
		return err
	}
	blink, err := p.readPtr(entryAddr + p.ptrSize())
	if err != nil {
		return err
	}

	// *(Blink)->Flink = Flink
	if err := p.writePtr(blink, flink); err != nil {
		return err
	}
	// *(Flink)->Blink = Blink
	if err := p.writePtr(flink+p.ptrSize(), blink); err != nil {
		return err
	}
	return nil
}

// EraseHeaders takes the caller's SizeOfHeaders, temporarily marks the header region
// RW, zeroes it, then restores the original protection.
func (p *Pass) EraseHeaders(moduleBase uintptr, sizeOfHeaders uint32) error {
	return remotemem.WithScopedProtection(p.mem, p.process, moduleBase, uintptr(sizeOfHeaders), pageReadWriteConst, func() error {
		return p.mem.Write(p.process, moduleBase, make([]byte, sizeOfHeaders))
	})
}

// SpoofModuleName allocates a new UNICODE_STRING buffer in the target,
// copies a replacement wide name into it, and overwrites the
// BaseDllName pointer/length fields in the loader entry. The old buffer
// is left allocated — it may live in loader-owned memory that is unsafe
// to free.
func (p *Pass) SpoofModuleName(moduleBase uintptr, newName string) error {
	entry, ok, err := p.nav.LookupByBase(p.pebAddr, moduleBase)
	if err != nil {
		return xerr.New(xerr.Unknown, "antidetect.SpoofModuleName: locate entry", err)
	}
	if !ok {
		return xerr.New(xerr.ModuleNotFound, "antidetect.SpoofModuleName", nil)
	}

	u16 := utf16.Encode([]rune(newName))
	buf := make([]byte, (len(u16)+1)*2)
	for i, u := range u16 {
		buf[i*2] = byte(u)
		buf[i*2+1] = byte(u >> 8)
	}

	region, err := p.mem.Alloc(p.process, uintptr(len(buf)), pageReadWriteConst)
	if err != nil {
		return xerr.New(xerr.MemoryAllocationFailed, "antidetect.SpoofModuleName: allocate name buffer", err)
	}
	if err := p.mem.Write(p.process, region.Address, buf); err != nil {
		return xerr.New(xerr.MemoryWriteFailed, "antidetect.SpoofModuleName: write name buffer", err)
	}

	newLen := uint16(len(u16) * 2)
	return p.writeUnicodeString(entry.BaseDllNameStructAddr, newLen, region.Address)
}

// writeUnicodeString overwrites a remote UNICODE_STRING's
// Length/MaximumLength/Buffer fields in place: Length and MaximumLength
// set to nameLen (excluding the trailing NUL), Buffer pointed at
// bufferAddr. Matches the wire layout internal/loadertable reads:
// 2+2 bytes, then 4 bytes of x64 padding, then a native-width pointer.
func (p *Pass) writeUnicodeString(structAddr uintptr, nameLen uint16, bufferAddr uintptr) error {
	header := make([]byte, 4)
	header[0] = byte(nameLen)
	header[1] = byte(nameLen >> 8)
	header[2] = byte(nameLen)
	header[3] = byte(nameLen >> 8)
	if err := p.mem.Write(p.process, structAddr, header); err != nil {
		return xerr.New(xerr.MemoryWriteFailed, "antidetect.SpoofModuleName: write UNICODE_STRING header", err)
	}

	bufferFieldOffset := uintptr(4)
	if p.is64 {
		bufferFieldOffset = 8 // 4 bytes of header + 4 bytes of x64 padding
	}
	return p.writePtr(structAddr+bufferFieldOffset, bufferAddr)
}

// ClearDebugDirectory zeroes the region the module's debug directory
// points to (if present) and the IMAGE_DATA_DIRECTORY[DEBUG] 8-byte
// entry in the mapped module's own Optional Header at
// moduleBase+debugDataDirRVA (internal/peimage.PeImage.DebugDataDirectoryRVA),
// so no trace of either half survives.
func (p *Pass) ClearDebugDirectory(moduleBase uintptr, debugDirRVA, debugDirSize, debugDataDirRVA uint32) error {
	if debugDirRVA != 0 && debugDirSize != 0 {
		if err := p.mem.Write(p.process, moduleBase+uintptr(debugDirRVA), make([]byte, debugDirSize)); err != nil {
			return xerr.New(xerr.MemoryWriteFailed, "antidetect.ClearDebugDirectory: zero debug region", err)
		}
	}
	if err := p.mem.Write(p.process, moduleBase+uintptr(debugDataDirRVA), make([]byte, 8)); err != nil {
		return xerr.New(xerr.MemoryWriteFailed, "antidetect.ClearDebugDirectory: zero data directory entry", err)
	}
	return nil
}

// IsHidden walks the loader list once and reports true iff moduleBase
// is not found.
func (p *Pass) IsHidden(moduleBase uintptr) (bool, error) {
	_, ok, err := p.nav.LookupByBase(p.pebAddr, moduleBase)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

const pageReadWriteConst = 0x04 // PAGE_READWRITE
