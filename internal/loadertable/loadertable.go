// Package loadertable implements component C5, the Loader-Table
// Navigator: reading a foreign process's PEB loader data and walking
// InLoadOrderModuleList. This package never writes remote memory — all
// writes live in internal/antidetect and internal/manualmap, consuming
// what this package reads. Grounded on DarkiT-wireguard's
// memmod_windows.go for the LIST_ENTRY/UNICODE_STRING struct shapes and
// on original_source/src/core/process_manager.cpp for the PEB
// loader-data offset table.
package loadertable

import (
	"strings"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/remotemem"
	"github.com/skyfiend/xordll/internal/xerr"
)

// Loader data offsets within the PEB, per spec.md §4.C5: the pointer to
// PEB_LDR_DATA sits at 0x18 on 64-bit, 0x0C on 32-bit.
const (
	pebLdrOffset64 = 0x18
	pebLdrOffset32 = 0x0C
)

// LDR_DATA_TABLE_ENTRY field offsets, 64-bit, relative to the entry's
// own InLoadOrderLinks LIST_ENTRY (the record's first field).
const (
	entryInLoadLinks   = 0x00 // LIST_ENTRY InLoadOrderLinks
	entryInMemoryLinks = 0x10 // LIST_ENTRY InMemoryOrderLinks
	entryInInitLinks   = 0x20 // LIST_ENTRY InInitializationOrderLinks
	entryDllBase       = 0x30
	entryEntryPoint    = 0x38
	entrySizeOfImage   = 0x40
	entryFullDllName   = 0x48 // UNICODE_STRING{Length,MaxLength,Buffer}
	entryBaseDllName   = 0x58 // UNICODE_STRING{Length,MaxLength,Buffer}
	entryTimeDateStamp = 0x7C
	entryHashLinks     = 0x88
)

// Navigator reads LoaderEntry values out of one target process.
type Navigator struct {
	mem     remotemem.Writer
	process uintptr
	is64    bool
}

// New builds a Navigator bound to a process handle already opened with
// at least PROCESS_VM_READ | PROCESS_QUERY_INFORMATION.
func New(mem remotemem.Writer, process uintptr, is64 bool) *Navigator {
	return &Navigator{mem: mem, process: process, is64: is64}
}

// unicodeString mirrors the foreign UNICODE_STRING layout read off the
// wire: Length(2) MaxLength(2) pad(4 on x64) Buffer(ptr).
type unicodeString struct {
	length    uint16
	maxLength uint16
	buffer    uintptr
}

func (n *Navigator) readUnicodeString(addr uintptr) (unicodeString, error) {
	size := uintptr(16) // x64: 2+2+4 pad + 8 ptr
	if !n.is64 {
		size = 8 // x86: 2+2 + 4 ptr
	}
	raw, err := n.mem.Read(n.process, addr, size)
	if err != nil {
		return unicodeString{}, err
	}
	u := unicodeString{
		length:    le16(raw[0:2]),
		maxLength: le16(raw[2:4]),
	}
	if n.is64 {
		u.buffer = uintptr(le64(raw[8:16]))
	} else {
		u.buffer = uintptr(le32(raw[4:8]))
	}
	return u, nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
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

func (n *Navigator) readPtr(addr uintptr) (uintptr, error) {
	sz := uintptr(8)
	if !n.is64 {
		sz = 4
	}
	raw, err := n.mem.Read(n.process, addr, sz)
	if err != nil {
		return 0, err
	}
	if n.is64 {
		return uintptr(le64(raw)), nil
	}
	return uintptr(le32(raw)), nil
}

func (n *Navigator) readU32(addr uintptr) (uint32, error) {
	raw, err := n.mem.Read(n.process, addr, 4)
	if err != nil {
		return 0, err
	}
	return le32(raw), nil
}

// loaderListHead locates the address of PEB_LDR_DATA.InLoadOrderModuleList
// (the LIST_ENTRY that is itself the list head, not a module entry).
func (n *Navigator) loaderListHead(pebAddr uintptr) (uintptr, error) {
	ldrOffset := uintptr(pebLdrOffset64)
	if !n.is64 {
		ldrOffset = pebLdrOffset32
	}
	ldrAddr, err := n.readPtr(pebAddr + ldrOffset)
	if err != nil {
		return 0, xerr.New(xerr.MemoryReadFailed, "read PEB_LDR_DATA pointer", err)
	}
	// InLoadOrderModuleList sits at offset 0x10 in PEB_LDR_DATA on both
	// bitnesses in this simplified (no version skew) layout.
	return ldrAddr + 0x10, nil
}

// Walk iterates every entry in InLoadOrderModuleList, calling fn for
// each fully-read LoaderEntry. Stops at first error or when fn returns
// false.
func (n *Navigator) Walk(pebAddr uintptr, fn func(model.LoaderEntry) bool) error {
	head, err := n.loaderListHead(pebAddr)
	if err != nil {
		return err
	}

	cur, err := n.readPtr(head) // Flink of the head == first entry's InLoadOrderLinks
	if err != nil {
		return xerr.New(xerr.MemoryReadFailed, "read loader list head", err)
	}

	for cur != head && cur != 0 {
		entry, err := n.readEntry(cur)
		if err != nil {
			return err
		}
		if !fn(entry) {
			return nil
		}
		next, err := n.readPtr(cur + entryInLoadLinks) // Flink
		if err != nil {
			return xerr.New(xerr.MemoryReadFailed, "walk InLoadOrderModuleList", err)
		}
		cur = next
	}
	return nil
}

// LookupByBase finds the LoaderEntry whose DllBase equals target.
func (n *Navigator) LookupByBase(pebAddr uintptr, target uintptr) (model.LoaderEntry, bool, error) {
	var found model.LoaderEntry
	var ok bool
	err := n.Walk(pebAddr, func(e model.LoaderEntry) bool {
		if e.DllBase == target {
			found = e
			ok = true
			return false
		}
		return true
	})
	return found, ok, err
}

// LookupByName finds the LoaderEntry whose BaseDllName matches name,
// case-insensitively, as the loader itself compares module names.
func (n *Navigator) LookupByName(pebAddr uintptr, name string) (model.LoaderEntry, bool, error) {
	var found model.LoaderEntry
	var ok bool
	err := n.Walk(pebAddr, func(e model.LoaderEntry) bool {
		if strings.EqualFold(e.BaseDllName, name) {
			found = e
			ok = true
			return false
		}
		return true
	})
	return found, ok, err
}

func (n *Navigator) readEntry(recordAddr uintptr) (model.LoaderEntry, error) {
	var e model.LoaderEntry

	e.InLoadLinksAddr = recordAddr + entryInLoadLinks
	e.InMemoryLinksAddr = recordAddr + entryInMemoryLinks
	e.InInitLinksAddr = recordAddr + entryInInitLinks
	e.HashLinksAddr = recordAddr + entryHashLinks

	base, err := n.readPtr(recordAddr + entryDllBase)
	if err != nil {
		return e, err
	}
	e.DllBase = base

	ep, err := n.readPtr(recordAddr + entryEntryPoint)
	if err != nil {
		return e, err
	}
	e.EntryPoint = ep

	size, err := n.readU32(recordAddr + entrySizeOfImage)
	if err != nil {
		return e, err
	}
	e.SizeOfImage = size

	e.TimestampAddr = recordAddr + entryTimeDateStamp
	ts, err := n.readU32(recordAddr + entryTimeDateStamp)
	if err == nil {
		e.Timestamp = ts
	}

	full, err := n.readUnicodeString(recordAddr + entryFullDllName)
	if err == nil && full.buffer != 0 {
		s, _ := remotemem.ReadUTF16String(n.mem, n.process, full.buffer, full.length)
		e.FullDllName = s
	}

	e.BaseDllNameStructAddr = recordAddr + entryBaseDllName

	base16, err := n.readUnicodeString(recordAddr + entryBaseDllName)
	if err == nil {
		e.BaseDllNameBufferAddr = base16.buffer
		e.BaseDllNameLen = base16.length
		if base16.buffer != 0 {
			s, _ := remotemem.ReadUTF16String(n.mem, n.process, base16.buffer, base16.length)
			e.BaseDllName = s
		}
	}

	return e, nil
}
