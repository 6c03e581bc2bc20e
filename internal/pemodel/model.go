// Package pemodel implements the editable PE view of spec §3.3: parsed
// field-by-field with stdlib debug/pe for read access (grounded on
// ZacharyZcR-PEPatch's manual e_lfanew/optional-header offset arithmetic),
// plus a hand-rolled writer, since debug/pe is read-only and never
// exposes base relocations or the certificate table in writable form.
package pemodel

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

const (
	dosHeaderSize  = 64
	peSigSize      = 4
	coffHeaderSize = 20
	sectionHdrSize = 40

	dataDirCount    = 16
	dataDirEntrySz  = 8
	dataDirOff32    = 96  // offset of IMAGE_DATA_DIRECTORY[0] within a PE32 optional header
	dataDirOff64    = 112 // ...within a PE32+ optional header
	dirIdxSecurity  = 4
	dirIdxBaseReloc = 5
)

// Section mirrors one IMAGE_SECTION_HEADER entry plus its raw bytes.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
	Data             []byte
}

// File is the editable PE view. The optional header is kept as a raw byte
// blob (rather than fully modeled field-by-field) and patched in place at
// known offsets for the handful of fields append/rebuild operations need
// to change (SizeOfImage, SizeOfHeaders, data directories) — every other
// optional-header field survives untouched exactly as the input binary
// set it.
type File struct {
	Is64            bool
	Machine         uint16
	TimeDateStamp   uint32
	Characteristics uint16

	DOSHeader []byte // first 64 bytes, including e_lfanew at offset 0x3C
	DOSStub   []byte // bytes between the DOS header and the PE signature

	OptionalHeader []byte // raw optional header bytes, patched in place

	SectionAlignment uint32
	FileAlignment    uint32

	Sections []Section

	// CertTable holds the raw attribute-certificate-table bytes pointed
	// to by IMAGE_DIRECTORY_ENTRY_SECURITY, if present. Its directory
	// entry is the only one that stores a file offset rather than an
	// RVA, so it must be relocated (not re-addressed) whenever the file
	// grows past it.
	CertTable []byte
}

func lfanew(dos []byte) uint32 {
	return binary.LittleEndian.Uint32(dos[0x3C:])
}

// Parse reads data with stdlib debug/pe for section/header metadata, then
// re-slices the raw optional header and certificate table directly so
// fields debug/pe doesn't expose survive a round trip unchanged.
func Parse(data []byte) (*File, error) {
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pemodel: parse: %w", err)
	}
	defer pf.Close()

	if len(data) < dosHeaderSize {
		return nil, fmt.Errorf("pemodel: file too small for a DOS header")
	}
	peOff := int(lfanew(data))
	if peOff+peSigSize+coffHeaderSize > len(data) {
		return nil, fmt.Errorf("pemodel: PE header offset out of range")
	}

	coff := data[peOff+peSigSize : peOff+peSigSize+coffHeaderSize]
	sizeOfOptionalHeader := int(binary.LittleEndian.Uint16(coff[16:18]))
	optOff := peOff + peSigSize + coffHeaderSize
	if optOff+sizeOfOptionalHeader > len(data) {
		return nil, fmt.Errorf("pemodel: optional header out of range")
	}
	optHeader := append([]byte(nil), data[optOff:optOff+sizeOfOptionalHeader]...)

	f := &File{
		Machine:         binary.LittleEndian.Uint16(coff[0:2]),
		TimeDateStamp:   binary.LittleEndian.Uint32(coff[4:8]),
		Characteristics: binary.LittleEndian.Uint16(coff[18:20]),
		DOSHeader:       append([]byte(nil), data[0:dosHeaderSize]...),
		DOSStub:         append([]byte(nil), data[dosHeaderSize:peOff]...),
		OptionalHeader:  optHeader,
	}

	magic := binary.LittleEndian.Uint16(optHeader[0:2])
	f.Is64 = magic == 0x20b

	if oh64, ok := pf.OptionalHeader.(*pe.OptionalHeader64); ok {
		f.SectionAlignment = oh64.SectionAlignment
		f.FileAlignment = oh64.FileAlignment
	} else if oh32, ok := pf.OptionalHeader.(*pe.OptionalHeader32); ok {
		f.SectionAlignment = oh32.SectionAlignment
		f.FileAlignment = oh32.FileAlignment
	}

	for _, s := range pf.Sections {
		body, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("pemodel: read section %s: %w", s.Name, err)
		}
		f.Sections = append(f.Sections, Section{
			Name:             s.Name,
			VirtualSize:      s.VirtualSize,
			VirtualAddress:   s.VirtualAddress,
			SizeOfRawData:    s.Size,
			PointerToRawData: s.Offset,
			Characteristics:  s.Characteristics,
			Data:             body,
		})
	}

	if secVA, secSize, ok := f.dataDirectory(dirIdxSecurity); ok && secSize > 0 {
		// For IMAGE_DIRECTORY_ENTRY_SECURITY, VirtualAddress is a file
		// offset, not an RVA.
		if int(secVA)+int(secSize) <= len(data) {
			f.CertTable = append([]byte(nil), data[secVA:secVA+secSize]...)
		}
	}

	return f, nil
}

func (f *File) dataDirBase() int {
	if f.Is64 {
		return dataDirOff64
	}
	return dataDirOff32
}

func (f *File) dataDirectory(index int) (va, size uint32, ok bool) {
	base := f.dataDirBase() + index*dataDirEntrySz
	if base+dataDirEntrySz > len(f.OptionalHeader) {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(f.OptionalHeader[base:]),
		binary.LittleEndian.Uint32(f.OptionalHeader[base+4:]), true
}

func (f *File) setDataDirectory(index int, va, size uint32) {
	base := f.dataDirBase() + index*dataDirEntrySz
	if base+dataDirEntrySz > len(f.OptionalHeader) {
		return
	}
	binary.LittleEndian.PutUint32(f.OptionalHeader[base:], va)
	binary.LittleEndian.PutUint32(f.OptionalHeader[base+4:], size)
}

func alignUp32(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Section looks up a section by name.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// headerSize computes SizeOfHeaders: DOS header + stub + PE signature +
// COFF header + optional header + section table, rounded up to file
// alignment — exactly what the PE loader maps as the header region.
func (f *File) headerSize() uint32 {
	raw := uint32(dosHeaderSize+len(f.DOSStub)) + peSigSize + coffHeaderSize +
		uint32(len(f.OptionalHeader)) + uint32(len(f.Sections))*sectionHdrSize
	return alignUp32(raw, f.FileAlignment)
}

// Bytes serializes the current header/section tables into a complete PE
// image: DOS header/stub unchanged, PE signature, COFF header (patched
// section count), optional header (patched SizeOfImage/SizeOfHeaders and
// data directories), the section table, then every section's raw data at
// file-alignment boundaries, then the certificate table (if any) at the
// very end, exactly as certificates must trail all other file content.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(f.DOSHeader)
	buf.Write(f.DOSStub)
	buf.WriteString("PE\x00\x00")

	coff := make([]byte, coffHeaderSize)
	binary.LittleEndian.PutUint16(coff[0:], f.Machine)
	binary.LittleEndian.PutUint16(coff[2:], uint16(len(f.Sections)))
	binary.LittleEndian.PutUint32(coff[4:], f.TimeDateStamp)
	binary.LittleEndian.PutUint16(coff[16:], uint16(len(f.OptionalHeader)))
	binary.LittleEndian.PutUint16(coff[18:], f.Characteristics)
	buf.Write(coff)

	headerSize := f.headerSize()
	f.patchOptionalHeader(headerSize)
	buf.Write(f.OptionalHeader)

	for _, s := range f.Sections {
		hdr := make([]byte, sectionHdrSize)
		nameBytes := make([]byte, 8)
		copy(nameBytes, s.Name)
		copy(hdr[0:8], nameBytes)
		binary.LittleEndian.PutUint32(hdr[8:], s.VirtualSize)
		binary.LittleEndian.PutUint32(hdr[12:], s.VirtualAddress)
		binary.LittleEndian.PutUint32(hdr[16:], s.SizeOfRawData)
		binary.LittleEndian.PutUint32(hdr[20:], s.PointerToRawData)
		binary.LittleEndian.PutUint32(hdr[36:], s.Characteristics)
		buf.Write(hdr)
	}

	if uint32(buf.Len()) < headerSize {
		buf.Write(make([]byte, headerSize-uint32(buf.Len())))
	}

	for _, s := range f.Sections {
		if uint32(buf.Len()) < s.PointerToRawData {
			buf.Write(make([]byte, s.PointerToRawData-uint32(buf.Len())))
		}
		buf.Write(s.Data)
	}

	if len(f.CertTable) > 0 {
		certOff := alignUp32(uint32(buf.Len()), 8)
		if uint32(buf.Len()) < certOff {
			buf.Write(make([]byte, certOff-uint32(buf.Len())))
		}
		f.setDataDirectory(dirIdxSecurity, certOff, uint32(len(f.CertTable)))
		buf.Write(f.CertTable)
	}

	out := buf.Bytes()
	// The optional header bytes written above were patched before being
	// copied into buf, but setDataDirectory for the certificate table ran
	// afterwards — fix the copy already in out.
	copy(out[peOptionalHeaderOffset(f):], f.OptionalHeader)
	return out
}

func peOptionalHeaderOffset(f *File) int {
	return dosHeaderSize + len(f.DOSStub) + peSigSize + coffHeaderSize
}

// patchOptionalHeader updates SizeOfImage and SizeOfHeaders in place.
// SizeOfImage offsets: PE32 optional header byte 56, PE32+ byte 56 (same
// position in both layouts — it follows the shared 24-byte standard
// fields + the NT-specific fields up to that point). SizeOfHeaders
// follows immediately at offset 60 in both layouts.
func (f *File) patchOptionalHeader(headerSize uint32) {
	const sizeOfImageOff = 56
	const sizeOfHeadersOff = 60
	if sizeOfHeadersOff+4 > len(f.OptionalHeader) {
		return
	}
	binary.LittleEndian.PutUint32(f.OptionalHeader[sizeOfHeadersOff:], headerSize)

	imageEnd := headerSize
	for _, s := range f.Sections {
		if end := alignUp32(s.VirtualAddress+s.VirtualSize, f.SectionAlignment); end > imageEnd {
			imageEnd = end
		}
	}
	binary.LittleEndian.PutUint32(f.OptionalHeader[sizeOfImageOff:], imageEnd)
}
