package peimage

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"
)

func utf16zBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2+2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return append(out, 0, 0)
}

func padTo4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

// buildStringEntry appends one VS_VERSIONINFO "String" structure (key/value
// pair) to buf, per saferwall-pe's parseString layout: a 6-byte header
// (wLength/wValueLength/wType), the NUL-terminated key, 32-bit alignment
// padding, then the NUL-terminated value, sized in UTF-16 words.
func buildStringEntry(buf *bytes.Buffer, key, value string) {
	headerPos := buf.Len()
	buf.Write(make([]byte, 6))
	buf.Write(utf16zBytes(key))
	padTo4(buf)

	units := utf16.Encode([]rune(value))
	valWords := len(units) + 1 // + NUL terminator
	for _, u := range units {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], u)
		buf.Write(b[:])
	}
	buf.Write([]byte{0, 0})

	length := buf.Len() - headerPos
	b := buf.Bytes()
	binary.LittleEndian.PutUint16(b[headerPos:headerPos+2], uint16(length))
	binary.LittleEndian.PutUint16(b[headerPos+2:headerPos+4], uint16(valWords))
	binary.LittleEndian.PutUint16(b[headerPos+4:headerPos+6], 1)
	padTo4(buf)
}

func buildStringTable(buf *bytes.Buffer, langHex string, entries map[string]string) {
	headerPos := buf.Len()
	buf.Write(make([]byte, 6))
	buf.Write(utf16zBytes(langHex))
	padTo4(buf)
	for k, v := range entries {
		buildStringEntry(buf, k, v)
	}
	length := buf.Len() - headerPos
	b := buf.Bytes()
	binary.LittleEndian.PutUint16(b[headerPos:headerPos+2], uint16(length))
	padTo4(buf)
}

func buildStringFileInfo(buf *bytes.Buffer, entries map[string]string) {
	headerPos := buf.Len()
	buf.Write(make([]byte, 6))
	buf.Write(utf16zBytes("StringFileInfo"))
	padTo4(buf)
	buildStringTable(buf, "040904B0", entries)
	length := buf.Len() - headerPos
	b := buf.Bytes()
	binary.LittleEndian.PutUint16(b[headerPos:headerPos+2], uint16(length))
	binary.LittleEndian.PutUint16(b[headerPos+4:headerPos+6], 1)
	padTo4(buf)
}

// buildVersionInfoBlob builds a full VS_VERSIONINFO resource: a zeroed
// VS_FIXEDFILEINFO (its contents are irrelevant to the string walk) plus one
// StringFileInfo/StringTable carrying entries.
func buildVersionInfoBlob(entries map[string]string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 6))
	buf.Write(utf16zBytes("VS_VERSION_INFO"))
	padTo4(&buf)

	const fixedFileInfoLen = 52
	buf.Write(make([]byte, fixedFileInfoLen))
	padTo4(&buf)

	buildStringFileInfo(&buf, entries)

	b := buf.Bytes()
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(b)))
	binary.LittleEndian.PutUint16(b[2:4], fixedFileInfoLen)
	return b
}

// buildPEWithVersionResource extends buildMinimalPE64's layout with a
// .rsrc section holding a real RT_VERSION resource directory chain (type
// -> name -> language -> data entry) pointing at a VS_VERSIONINFO blob
// built from entries, and wires DataDirectory[dataDirResource] to it.
func buildPEWithVersionResource(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	const (
		lfanew     = 0x80
		optHdrSize = 112 + dataDirCount*8
		sectOff    = lfanew + 4 + 20 + optHdrSize
		rsrcRVA    = 0x2000
	)

	blob := buildVersionInfoBlob(entries)

	// Resource directory chain, relative to the section start: root(24) +
	// name(24) + lang(24) + data entry(16), then the blob.
	const (
		rootOff = 0
		nameOff = 24
		langOff = 48
		dataOff = 72
		blobOff = 88
	)
	rsrcSize := blobOff + len(blob)

	rsrc := make([]byte, rsrcSize)
	// Root directory: one ID entry for RT_VERSION.
	binary.LittleEndian.PutUint16(rsrc[rootOff+14:rootOff+16], 1) // NumberOfIdEntries
	binary.LittleEndian.PutUint32(rsrc[rootOff+16:rootOff+20], rtVersion)
	binary.LittleEndian.PutUint32(rsrc[rootOff+20:rootOff+24], uint32(nameOff)|resourceEntryIsDir)

	// Name directory: one ID entry (arbitrary resource name ID).
	binary.LittleEndian.PutUint16(rsrc[nameOff+14:nameOff+16], 1)
	binary.LittleEndian.PutUint32(rsrc[nameOff+16:nameOff+20], 1)
	binary.LittleEndian.PutUint32(rsrc[nameOff+20:nameOff+24], uint32(langOff)|resourceEntryIsDir)

	// Language directory: one ID entry, leaf (no directory bit).
	binary.LittleEndian.PutUint16(rsrc[langOff+14:langOff+16], 1)
	binary.LittleEndian.PutUint32(rsrc[langOff+16:langOff+20], 0x409)
	binary.LittleEndian.PutUint32(rsrc[langOff+20:langOff+24], uint32(dataOff))

	// Data entry: OffsetToData is an RVA relative to the image, not the
	// resource section.
	binary.LittleEndian.PutUint32(rsrc[dataOff:dataOff+4], rsrcRVA+blobOff)
	binary.LittleEndian.PutUint32(rsrc[dataOff+4:dataOff+8], uint32(len(blob)))

	copy(rsrc[blobOff:], blob)

	fileSize := sectOff + 40 + rsrcSize
	buf := make([]byte, fileSize)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], lfanew)
	copy(buf[lfanew:lfanew+4], []byte{'P', 'E', 0, 0})

	coffOff := lfanew + 4
	binary.LittleEndian.PutUint16(buf[coffOff:coffOff+2], machineAMD64)
	binary.LittleEndian.PutUint16(buf[coffOff+2:coffOff+4], 1)
	binary.LittleEndian.PutUint16(buf[coffOff+16:coffOff+18], optHdrSize)
	binary.LittleEndian.PutUint16(buf[coffOff+18:coffOff+20], characteristicsDLL)

	optOff := coffOff + 20
	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], optMagicPE32Plus)
	binary.LittleEndian.PutUint32(buf[optOff+16:optOff+20], 0x1000)
	binary.LittleEndian.PutUint32(buf[optOff+32:optOff+36], 0x1000)
	binary.LittleEndian.PutUint32(buf[optOff+36:optOff+40], 0x200)
	binary.LittleEndian.PutUint64(buf[optOff+24:optOff+32], 0x10000000)
	binary.LittleEndian.PutUint32(buf[optOff+56:optOff+60], uint32(rsrcRVA+rsrcSize+0x1000))
	binary.LittleEndian.PutUint32(buf[optOff+60:optOff+64], uint32(sectOff))
	binary.LittleEndian.PutUint32(buf[optOff+108:optOff+112], dataDirCount)

	dataDirOff := optOff + 112 + dataDirResource*8
	binary.LittleEndian.PutUint32(buf[dataDirOff:dataDirOff+4], rsrcRVA)
	binary.LittleEndian.PutUint32(buf[dataDirOff+4:dataDirOff+8], uint32(rsrcSize))

	secOff := sectOff
	copy(buf[secOff:secOff+5], []byte(".rsrc"))
	binary.LittleEndian.PutUint32(buf[secOff+8:secOff+12], uint32(rsrcSize))
	binary.LittleEndian.PutUint32(buf[secOff+12:secOff+16], rsrcRVA)
	binary.LittleEndian.PutUint32(buf[secOff+16:secOff+20], uint32(rsrcSize))
	binary.LittleEndian.PutUint32(buf[secOff+20:secOff+24], uint32(sectOff+40))

	sectionData := buf[sectOff+40:]
	copy(sectionData, rsrc)

	return buf
}

func TestVersionStringsExtractsStringTableEntries(t *testing.T) {
	entries := map[string]string{
		"FileDescription": "Test Driver",
		"FileVersion":      "1.2.3.4",
		"CompanyName":      "Example Corp",
	}
	img, err := Parse(buildPEWithVersionResource(t, entries))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	desc, version, company := versionStrings(img)
	if desc != "Test Driver" {
		t.Errorf("description = %q, want %q", desc, "Test Driver")
	}
	if version != "1.2.3.4" {
		t.Errorf("version = %q, want %q", version, "1.2.3.4")
	}
	if company != "Example Corp" {
		t.Errorf("company = %q, want %q", company, "Example Corp")
	}
}

func TestVersionStringsAbsentResourceReturnsEmpty(t *testing.T) {
	img, err := Parse(buildMinimalPE64(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	desc, version, company := versionStrings(img)
	if desc != "" || version != "" || company != "" {
		t.Fatalf("expected empty version strings with no resource directory, got %q/%q/%q", desc, version, company)
	}
}
