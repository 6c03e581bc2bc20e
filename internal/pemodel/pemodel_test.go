package pemodel

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/xyproto/fripac/internal/markerpatch"
)

// buildMinimalPE64 assembles a minimal but structurally valid PE32+ image
// (DOS stub + COFF header + a 112+16*8-byte optional header + one .text
// section carrying an unpatched embedded-config marker) directly as
// bytes, since there is no on-disk fixture binary available in this
// module.
func buildMinimalPE64(t *testing.T) []byte {
	t.Helper()

	marker := make([]byte, markerpatch.Size)
	binary.LittleEndian.PutUint32(marker[0:], uint32(markerpatch.Magic1))
	binary.LittleEndian.PutUint32(marker[4:], uint32(markerpatch.Magic2))
	binary.LittleEndian.PutUint32(marker[8:], uint32(markerpatch.Version))
	textData := append([]byte("push rax; pop rax; padding..... "), marker...)
	for len(textData)%0x200 != 0 {
		textData = append(textData, 0)
	}

	const fileAlign = 0x200
	const sectionAlign = 0x1000
	const numSections = 1
	optHeaderSize := 112 + dataDirCount*dataDirEntrySz

	var buf bytes.Buffer

	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	lfanewOff := uint32(dosHeaderSize)
	binary.LittleEndian.PutUint32(dos[0x3C:], lfanewOff)
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")

	coff := make([]byte, coffHeaderSize)
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	binary.LittleEndian.PutUint16(coff[2:], numSections)
	binary.LittleEndian.PutUint16(coff[16:], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(coff[18:], 0x0022) // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	buf.Write(coff)

	opt := make([]byte, optHeaderSize)
	binary.LittleEndian.PutUint16(opt[0:], 0x20b) // PE32+ magic
	binary.LittleEndian.PutUint32(opt[32:], sectionAlign)
	binary.LittleEndian.PutUint32(opt[36:], fileAlign)
	binary.LittleEndian.PutUint16(opt[48:], 6) // MajorSubsystemVersion, arbitrary non-zero
	binary.LittleEndian.PutUint32(opt[108:], dataDirCount) // NumberOfRvaAndSizes
	buf.Write(opt)

	headerSize := alignUp32(uint32(buf.Len())+numSections*sectionHdrSize, fileAlign)

	sectionHdr := make([]byte, sectionHdrSize)
	copy(sectionHdr[0:8], ".text")
	binary.LittleEndian.PutUint32(sectionHdr[8:], uint32(len(textData)))  // VirtualSize
	binary.LittleEndian.PutUint32(sectionHdr[12:], sectionAlign)          // VirtualAddress
	binary.LittleEndian.PutUint32(sectionHdr[16:], uint32(len(textData))) // SizeOfRawData
	binary.LittleEndian.PutUint32(sectionHdr[20:], headerSize)            // PointerToRawData
	binary.LittleEndian.PutUint32(sectionHdr[36:], 0x60000020)            // CNT_CODE|MEM_EXECUTE|MEM_READ
	buf.Write(sectionHdr)

	if uint32(buf.Len()) < headerSize {
		buf.Write(make([]byte, headerSize-uint32(buf.Len())))
	}
	buf.Write(textData)

	return buf.Bytes()
}

func TestParseRoundTripsThroughDebugPE(t *testing.T) {
	data := buildMinimalPE64(t)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out := f.Bytes()

	pf, err := pe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("re-parsing serialized PE: %v", err)
	}
	defer pf.Close()

	if pf.Section(".text") == nil {
		t.Fatalf(".text section missing from round-tripped output")
	}
}

func TestEmbedPayloadAppendsSectionAndPatchesMarker(t *testing.T) {
	data := buildMinimalPE64(t)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	payload := []byte(`{"mode":"EmbedJs","js_filepath":"x.js","js_content":"1+1"}`)
	if err := f.EmbedPayload(payload, false); err != nil {
		t.Fatalf("EmbedPayload: %v", err)
	}

	out := f.Bytes()
	pf, err := pe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("re-parsing serialized PE: %v", err)
	}
	defer pf.Close()

	sec := pf.Section(".fripac")
	if sec == nil {
		t.Fatalf(".fripac section not found in output")
	}
	body, err := sec.Data()
	if err != nil {
		t.Fatalf("reading .fripac data: %v", err)
	}
	if !bytes.Equal(body[:len(payload)], payload) {
		t.Fatalf(".fripac contents = %q, want prefix %q", body, payload)
	}

	if _, ok := markerpatch.Find(out); ok {
		t.Fatalf("marker should no longer match the unpatched scan pattern")
	}
}

// buildMinimalPE64WithRelocAndCert extends buildMinimalPE64's layout with a
// second section, .reloc, holding one IMAGE_BASE_RELOCATION block (two
// HIGHLOW fixups), plus a trailing certificate-table blob pointed to by
// IMAGE_DIRECTORY_ENTRY_SECURITY — the two pieces of a PE image that live
// outside the section-data model debug/pe round-trips automatically
// (model.go's CertTable field, and the base-relocation directory pointing
// into a section that must carry through an append unchanged).
func buildMinimalPE64WithRelocAndCert(t *testing.T) (data []byte, relocData, certData []byte) {
	t.Helper()

	marker := make([]byte, markerpatch.Size)
	binary.LittleEndian.PutUint32(marker[0:], uint32(markerpatch.Magic1))
	binary.LittleEndian.PutUint32(marker[4:], uint32(markerpatch.Magic2))
	binary.LittleEndian.PutUint32(marker[8:], uint32(markerpatch.Version))
	textData := append([]byte("push rax; pop rax; padding..... "), marker...)
	for len(textData)%0x200 != 0 {
		textData = append(textData, 0)
	}

	// One IMAGE_BASE_RELOCATION block: PageRVA, BlockSize, then two
	// IMAGE_REL_BASED_HIGHLOW (type 3) fixups at offsets 0x10 and 0x20
	// within that page.
	relocData = make([]byte, 12)
	binary.LittleEndian.PutUint32(relocData[0:], 0x2000) // PageRVA
	binary.LittleEndian.PutUint32(relocData[4:], 12)      // BlockSize
	binary.LittleEndian.PutUint16(relocData[8:], (3<<12)|0x10)
	binary.LittleEndian.PutUint16(relocData[10:], (3<<12)|0x20)

	certData = []byte("WINCERT-fixture-not-a-real-signature-blob")

	const fileAlign = 0x200
	const sectionAlign = 0x1000
	const numSections = 2
	optHeaderSize := 112 + dataDirCount*dataDirEntrySz

	var buf bytes.Buffer

	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], uint32(dosHeaderSize))
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")

	coff := make([]byte, coffHeaderSize)
	binary.LittleEndian.PutUint16(coff[0:], 0x8664)
	binary.LittleEndian.PutUint16(coff[2:], numSections)
	binary.LittleEndian.PutUint16(coff[16:], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(coff[18:], 0x0022)
	buf.Write(coff)

	opt := make([]byte, optHeaderSize)
	binary.LittleEndian.PutUint16(opt[0:], 0x20b)
	binary.LittleEndian.PutUint32(opt[32:], sectionAlign)
	binary.LittleEndian.PutUint32(opt[36:], fileAlign)
	binary.LittleEndian.PutUint16(opt[48:], 6)
	binary.LittleEndian.PutUint32(opt[108:], dataDirCount)
	buf.Write(opt)

	headerSize := alignUp32(uint32(buf.Len())+numSections*sectionHdrSize, fileAlign)

	textHdr := make([]byte, sectionHdrSize)
	copy(textHdr[0:8], ".text")
	binary.LittleEndian.PutUint32(textHdr[8:], uint32(len(textData)))
	binary.LittleEndian.PutUint32(textHdr[12:], sectionAlign)
	binary.LittleEndian.PutUint32(textHdr[16:], uint32(len(textData)))
	binary.LittleEndian.PutUint32(textHdr[20:], headerSize)
	binary.LittleEndian.PutUint32(textHdr[36:], 0x60000020)
	buf.Write(textHdr)

	relocVA := alignUp32(sectionAlign+uint32(len(textData)), sectionAlign)
	relocRawOff := alignUp32(headerSize+uint32(len(textData)), fileAlign)
	relocRawSize := alignUp32(uint32(len(relocData)), fileAlign)

	relocHdr := make([]byte, sectionHdrSize)
	copy(relocHdr[0:8], ".reloc")
	binary.LittleEndian.PutUint32(relocHdr[8:], uint32(len(relocData)))
	binary.LittleEndian.PutUint32(relocHdr[12:], relocVA)
	binary.LittleEndian.PutUint32(relocHdr[16:], relocRawSize)
	binary.LittleEndian.PutUint32(relocHdr[20:], relocRawOff)
	binary.LittleEndian.PutUint32(relocHdr[36:], 0x42000040) // CNT_INITIALIZED_DATA|DISCARDABLE|MEM_READ
	buf.Write(relocHdr)

	if uint32(buf.Len()) < headerSize {
		buf.Write(make([]byte, headerSize-uint32(buf.Len())))
	}
	buf.Write(textData)
	if uint32(buf.Len()) < relocRawOff {
		buf.Write(make([]byte, relocRawOff-uint32(buf.Len())))
	}
	relocRaw := make([]byte, relocRawSize)
	copy(relocRaw, relocData)
	buf.Write(relocRaw)

	certOff := alignUp32(uint32(buf.Len()), 8)
	if uint32(buf.Len()) < certOff {
		buf.Write(make([]byte, certOff-uint32(buf.Len())))
	}
	buf.Write(certData)

	out := buf.Bytes()
	// Patch the base-relocation (index 5) and security (index 4)
	// directory entries now that the file layout is known. Security
	// stores a file offset, base-reloc an RVA+size pair.
	optOff := dosHeaderSize + peSigSize + coffHeaderSize
	binary.LittleEndian.PutUint32(out[optOff+dataDirOff64+dirIdxBaseReloc*dataDirEntrySz:], relocVA)
	binary.LittleEndian.PutUint32(out[optOff+dataDirOff64+dirIdxBaseReloc*dataDirEntrySz+4:], uint32(len(relocData)))
	binary.LittleEndian.PutUint32(out[optOff+dataDirOff64+dirIdxSecurity*dataDirEntrySz:], certOff)
	binary.LittleEndian.PutUint32(out[optOff+dataDirOff64+dirIdxSecurity*dataDirEntrySz+4:], uint32(len(certData)))

	return out, relocData, certData
}

func TestEmbedPayloadPreservesRelocAndCertTable(t *testing.T) {
	data, wantReloc, wantCert := buildMinimalPE64WithRelocAndCert(t)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(f.CertTable, wantCert) {
		t.Fatalf("CertTable after Parse = %q, want %q", f.CertTable, wantCert)
	}
	reloc := f.Section(".reloc")
	if reloc == nil {
		t.Fatalf(".reloc section missing after Parse")
	}
	if !bytes.Equal(reloc.Data[:len(wantReloc)], wantReloc) {
		t.Fatalf(".reloc contents after Parse = %x, want %x", reloc.Data[:len(wantReloc)], wantReloc)
	}

	payload := []byte(`{"mode":"EmbedJs","js_filepath":"x.js","js_content":"1+1"}`)
	if err := f.EmbedPayload(payload, false); err != nil {
		t.Fatalf("EmbedPayload: %v", err)
	}

	out := f.Bytes()
	pf, err := pe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("re-parsing serialized PE: %v", err)
	}
	defer pf.Close()

	if pf.Section(".fripac") == nil {
		t.Fatalf(".fripac section missing after EmbedPayload")
	}

	relocSec := pf.Section(".reloc")
	if relocSec == nil {
		t.Fatalf(".reloc section missing after EmbedPayload")
	}
	relocBody, err := relocSec.Data()
	if err != nil {
		t.Fatalf("reading .reloc data: %v", err)
	}
	if !bytes.Equal(relocBody[:len(wantReloc)], wantReloc) {
		t.Fatalf(".reloc contents after EmbedPayload = %x, want %x (base-relocation entries must survive unchanged)", relocBody[:len(wantReloc)], wantReloc)
	}
	if relocSec.VirtualAddress != reloc.VirtualAddress {
		t.Fatalf(".reloc VirtualAddress changed from %#x to %#x", reloc.VirtualAddress, relocSec.VirtualAddress)
	}

	if !bytes.Equal(f.CertTable, wantCert) {
		t.Fatalf("CertTable after EmbedPayload = %q, want %q (certificate table must survive the append unchanged)", f.CertTable, wantCert)
	}
}

func TestAddImportBuildsImportDirectory(t *testing.T) {
	data := buildMinimalPE64(t)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if err := f.AddImport("kernel32.dll", []string{"GetProcAddress", "LoadLibraryA"}); err != nil {
		t.Fatalf("AddImport: %v", err)
	}

	out := f.Bytes()
	pf, err := pe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("re-parsing serialized PE: %v", err)
	}
	defer pf.Close()

	sec := pf.Section(".idata")
	if sec == nil {
		t.Fatalf(".idata section not found in output")
	}
	body, err := sec.Data()
	if err != nil {
		t.Fatalf("reading .idata: %v", err)
	}
	if !bytes.Contains(body, []byte("kernel32.dll")) {
		t.Fatalf(".idata does not contain the DLL name")
	}
	if !bytes.Contains(body, []byte("GetProcAddress")) {
		t.Fatalf(".idata does not contain the imported function name")
	}
}
