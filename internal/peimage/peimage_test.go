package peimage

import (
	"encoding/binary"
	"testing"
)

// buildMinimalPE64 constructs the smallest valid PE32+ DLL image this
// package accepts: DOS stub + COFF header + optional header (no data
// directories populated) + one empty section.
func buildMinimalPE64(t *testing.T) []byte {
	t.Helper()

	const (
		lfanew     = 0x80
		optHdrSize = 112 + dataDirCount*8
		sectOff    = lfanew + 4 + 20 + optHdrSize
		numSect    = 1
	)

	buf := make([]byte, sectOff+40)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], lfanew)

	copy(buf[lfanew:lfanew+4], []byte{'P', 'E', 0, 0})

	coffOff := lfanew + 4
	binary.LittleEndian.PutUint16(buf[coffOff:coffOff+2], machineAMD64)
	binary.LittleEndian.PutUint16(buf[coffOff+2:coffOff+4], numSect)
	binary.LittleEndian.PutUint16(buf[coffOff+16:coffOff+18], optHdrSize)
	binary.LittleEndian.PutUint16(buf[coffOff+18:coffOff+20], characteristicsDLL)

	optOff := coffOff + 20
	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], optMagicPE32Plus)
	binary.LittleEndian.PutUint32(buf[optOff+16:optOff+20], 0x1000) // entry point RVA
	binary.LittleEndian.PutUint32(buf[optOff+32:optOff+36], 0x1000) // section alignment
	binary.LittleEndian.PutUint32(buf[optOff+36:optOff+40], 0x200)  // file alignment
	binary.LittleEndian.PutUint64(buf[optOff+24:optOff+32], 0x10000000)
	binary.LittleEndian.PutUint32(buf[optOff+56:optOff+60], 0x2000) // size of image
	binary.LittleEndian.PutUint32(buf[optOff+60:optOff+64], uint32(sectOff))
	binary.LittleEndian.PutUint32(buf[optOff+108:optOff+112], dataDirCount)

	secOff := sectOff
	copy(buf[secOff:secOff+5], []byte(".text"))
	binary.LittleEndian.PutUint32(buf[secOff+8:secOff+12], 0x1000)  // virtual size
	binary.LittleEndian.PutUint32(buf[secOff+12:secOff+16], 0x1000) // virtual address
	binary.LittleEndian.PutUint32(buf[secOff+16:secOff+20], 0)      // size of raw data (empty section)
	binary.LittleEndian.PutUint32(buf[secOff+20:secOff+24], 0)      // pointer to raw data

	return buf
}

func TestParseMinimalPE64(t *testing.T) {
	img, err := Parse(buildMinimalPE64(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !img.Is64Bit() {
		t.Fatal("expected 64-bit image")
	}
	if img.PreferredBase != 0x10000000 {
		t.Fatalf("preferred base = %#x, want 0x10000000", img.PreferredBase)
	}
	if len(img.Sections) != 1 {
		t.Fatalf("len(Sections) = %d, want 1", len(img.Sections))
	}
	if img.Sections[0].Name != ".text" {
		t.Fatalf("section name = %q", img.Sections[0].Name)
	}
}

func TestParseRejectsBadMZSignature(t *testing.T) {
	data := buildMinimalPE64(t)
	data[0] = 'X'
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for bad MZ signature")
	}
}

func TestParseRejectsNonDLL(t *testing.T) {
	data := buildMinimalPE64(t)
	coffOff := 0x80 + 4
	binary.LittleEndian.PutUint16(data[coffOff+18:coffOff+20], 0) // clear IMAGE_FILE_DLL
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for missing IMAGE_FILE_DLL characteristic")
	}
}

func TestParseRejectsTruncatedFile(t *testing.T) {
	data := buildMinimalPE64(t)
	if _, err := Parse(data[:0x80]); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestRVAToOffsetRejectsOutOfRangeRVA(t *testing.T) {
	img, err := Parse(buildMinimalPE64(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := img.RVAToOffset(0xFFFFFF); ok {
		t.Fatal("expected out-of-range RVA to fail")
	}
}
