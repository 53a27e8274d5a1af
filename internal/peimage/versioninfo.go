package peimage

import (
	"encoding/binary"
	"unicode/utf16"
)

// Resource-directory layout constants (IMAGE_RESOURCE_DIRECTORY /
// IMAGE_RESOURCE_DIRECTORY_ENTRY / IMAGE_RESOURCE_DATA_ENTRY), grounded on
// saferwall-pe's version.go resource walk (Type -> Name -> Language ->
// data entry) but read directly off RawBytes in this package's own
// binary.LittleEndian style rather than saferwall's struct+binary.Read one.
const (
	rtVersion             = 16
	resourceEntryIsDir    = 0x80000000
	resourceEntryNameMask = 0x7FFFFFFF
)

type resourceEntry struct {
	id     uint32
	offset uint32
}

// resourceDirEntries returns the total entry count (named plus id entries)
// read from an IMAGE_RESOURCE_DIRECTORY at dirOff, plus the offset of its
// entry array.
func resourceDirEntries(data []byte, dirOff uint32) (entriesOff uint32, count int, ok bool) {
	if int(dirOff)+16 > len(data) {
		return 0, 0, false
	}
	named := binary.LittleEndian.Uint16(data[dirOff+12 : dirOff+14])
	ids := binary.LittleEndian.Uint16(data[dirOff+14 : dirOff+16])
	return dirOff + 16, int(named) + int(ids), true
}

// firstResourceEntry returns the first entry in the directory at dirOff,
// used for the name and language levels where this reader just follows
// whichever single resource the DLL actually carries rather than matching
// on name or locale.
func firstResourceEntry(data []byte, dirOff uint32) (resourceEntry, bool) {
	entriesOff, count, ok := resourceDirEntries(data, dirOff)
	if !ok || count == 0 {
		return resourceEntry{}, false
	}
	if int(entriesOff)+8 > len(data) {
		return resourceEntry{}, false
	}
	return resourceEntry{
		id:     binary.LittleEndian.Uint32(data[entriesOff : entriesOff+4]),
		offset: binary.LittleEndian.Uint32(data[entriesOff+4 : entriesOff+8]),
	}, true
}

// findResourceByID scans the directory at dirOff for an integer-ID entry
// (named entries are skipped: RT_VERSION is always an integer type ID).
func findResourceByID(data []byte, dirOff uint32, wantID uint32) (resourceEntry, bool) {
	entriesOff, count, ok := resourceDirEntries(data, dirOff)
	if !ok {
		return resourceEntry{}, false
	}
	for i := 0; i < count; i++ {
		off := entriesOff + uint32(i)*8
		if int(off)+8 > len(data) {
			break
		}
		id := binary.LittleEndian.Uint32(data[off : off+4])
		if id&resourceEntryIsDir != 0 {
			continue // named entry
		}
		if id == wantID {
			return resourceEntry{id: id, offset: binary.LittleEndian.Uint32(data[off+4 : off+8])}, true
		}
	}
	return resourceEntry{}, false
}

// findVersionInfo walks the resource directory's RT_VERSION / <name> /
// <language> chain down to the single VS_VERSIONINFO data entry and
// returns its raw bytes, the way saferwall-pe's ParseVersionResources
// locates the version resource before parsing the structures inside it.
func findVersionInfo(img *PeImage) ([]byte, bool) {
	dd := img.Opt.DataDirectory[dataDirResource]
	if dd.VirtualAddress == 0 {
		return nil, false
	}
	sectionBase, ok := img.RVAToOffset(dd.VirtualAddress)
	if !ok {
		return nil, false
	}

	typeEntry, ok := findResourceByID(img.RawBytes, sectionBase, rtVersion)
	if !ok || typeEntry.offset&resourceEntryIsDir == 0 {
		return nil, false
	}
	nameDirOff := sectionBase + typeEntry.offset&resourceEntryNameMask

	nameEntry, ok := firstResourceEntry(img.RawBytes, nameDirOff)
	if !ok || nameEntry.offset&resourceEntryIsDir == 0 {
		return nil, false
	}
	langDirOff := sectionBase + nameEntry.offset&resourceEntryNameMask

	langEntry, ok := firstResourceEntry(img.RawBytes, langDirOff)
	if !ok || langEntry.offset&resourceEntryIsDir != 0 {
		return nil, false
	}
	dataEntryOff := sectionBase + langEntry.offset
	if int(dataEntryOff)+16 > len(img.RawBytes) {
		return nil, false
	}
	d := img.RawBytes[dataEntryOff : dataEntryOff+16]
	dataRVA := binary.LittleEndian.Uint32(d[0:4])
	size := binary.LittleEndian.Uint32(d[4:8])

	dataOff, ok := img.RVAToOffset(dataRVA)
	if !ok || uint64(dataOff)+uint64(size) > uint64(len(img.RawBytes)) {
		return nil, false
	}
	return img.RawBytes[dataOff : dataOff+size], true
}

// alignDword rounds off up to the next 4-byte boundary, relative to the
// start of the VS_VERSIONINFO blob passed to parseVersionInfoBlock — every
// child structure inside it is 32-bit aligned relative to that start.
func alignDword(off int) int { return (off + 3) &^ 3 }

// readUTF16CStringOff decodes a NUL-terminated UTF-16LE string starting at
// off and returns it along with the number of bytes consumed, including
// the terminator, so callers can advance past szKey fields.
func readUTF16CStringOff(data []byte, off int) (string, int) {
	if off < 0 || off >= len(data) {
		return "", 0
	}
	var units []uint16
	i := off
	for i+1 < len(data) {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		i += 2
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), i - off
}

// walkVersionChildren iterates sibling VS_VERSIONINFO-style structures
// (each starting with wLength/wValueLength/wType) packed back-to-back in
// [start, end), calling visit with each child's own (offset, wLength).
func walkVersionChildren(b []byte, start, end int, visit func(off, length int)) {
	off := start
	for off+6 <= end && off+6 <= len(b) {
		length := int(binary.LittleEndian.Uint16(b[off : off+2]))
		if length == 0 {
			break
		}
		visit(off, length)
		next := alignDword(off + length)
		if next <= off {
			break
		}
		off = next
	}
}

// parseVersionInfoBlock walks VS_VERSIONINFO -> StringFileInfo ->
// StringTable -> String and returns every key/value pair found, the same
// four-level structure saferwall-pe's version.go walks via
// parseVersionInfo/parseFixedFileInfo/parseStringFileInfo/parseStringTable/
// parseString, adapted to operate on the already-extracted blob (so every
// offset below is local to b, not a whole-file offset).
func parseVersionInfoBlock(b []byte) map[string]string {
	out := make(map[string]string)
	if len(b) < 6 {
		return out
	}

	totalLen := int(binary.LittleEndian.Uint16(b[0:2]))
	fixedInfoLen := int(binary.LittleEndian.Uint16(b[2:4]))
	rootKey, rootKeyBytes := readUTF16CStringOff(b, 6)
	if rootKey != "VS_VERSION_INFO" {
		return out
	}
	if totalLen > len(b) {
		totalLen = len(b)
	}

	childrenStart := alignDword(alignDword(6+rootKeyBytes) + fixedInfoLen)

	walkVersionChildren(b, childrenStart, totalLen, func(sfiOff, sfiLen int) {
		sfiKey, sfiKeyBytes := readUTF16CStringOff(b, sfiOff+6)
		if sfiKey != "StringFileInfo" {
			return // VarFileInfo carries no displayable strings
		}
		tablesStart := alignDword(sfiOff + 6 + sfiKeyBytes)
		tablesEnd := sfiOff + sfiLen
		if tablesEnd > totalLen {
			tablesEnd = totalLen
		}

		walkVersionChildren(b, tablesStart, tablesEnd, func(tblOff, tblLen int) {
			_, tblKeyBytes := readUTF16CStringOff(b, tblOff+6) // 8-hex-digit lang/codepage id
			stringsStart := alignDword(tblOff + 6 + tblKeyBytes)
			stringsEnd := tblOff + tblLen
			if stringsEnd > totalLen {
				stringsEnd = totalLen
			}

			walkVersionChildren(b, stringsStart, stringsEnd, func(sOff, sLen int) {
				valueWords := int(binary.LittleEndian.Uint16(b[sOff+2 : sOff+4]))
				key, keyBytes := readUTF16CStringOff(b, sOff+6)
				valOff := alignDword(sOff + 6 + keyBytes)
				valBytes := valueWords * 2
				if valBytes == 0 || valOff+valBytes > len(b) {
					return
				}
				value, _ := readUTF16CStringOff(b, valOff)
				out[key] = value
			})
		})
	})

	return out
}

// versionStrings returns the FileDescription, FileVersion and CompanyName
// StringTable entries from img's VS_VERSIONINFO resource, per spec.md
// §4.C1. Any field the resource omits comes back empty rather than erroring
// — absent version info is common in unsigned or stripped DLLs.
func versionStrings(img *PeImage) (description, version, company string) {
	blob, ok := findVersionInfo(img)
	if !ok {
		return "", "", ""
	}
	vals := parseVersionInfoBlock(blob)
	return vals["FileDescription"], vals["FileVersion"], vals["CompanyName"]
}
