package pemodel

import (
	"bytes"
	"encoding/binary"
)

// importDescriptorSize is sizeof(IMAGE_IMPORT_DESCRIPTOR): five uint32
// fields (OriginalFirstThunk, TimeDateStamp, ForwarderChain, Name,
// FirstThunk).
const importDescriptorSize = 20

// AddImport builds an Import Directory Table entry for dllName importing
// funcNames by name, the way saferwall-pe's ntheader.go models
// IMAGE_IMPORT_DESCRIPTOR/IMAGE_THUNK_DATA. This is additional test/reference
// surface for the PE model only (SPEC_FULL.md §4.8) — it is not wired into
// Processor.AddNeededLibrary, which stays ELF-only.
//
// The import table, its name strings, and both thunk arrays (import
// address table + import lookup table) are packed into one new section so
// no existing section needs to grow.
func (f *File) AddImport(dllName string, funcNames []string) error {
	if err := f.reload(); err != nil {
		return err
	}

	vaddr := uint32(0)
	for _, s := range f.Sections {
		if end := alignUp32(s.VirtualAddress+s.VirtualSize, f.SectionAlignment); end > vaddr {
			vaddr = end
		}
	}

	entrySize := uint32(4)
	if f.Is64 {
		entrySize = 8
	}

	// Layout within the new section, all RVAs relative to vaddr:
	//   [0)                        two IMAGE_IMPORT_DESCRIPTORs (this one + the null terminator)
	//   [descriptors)               import lookup table (one entry per func + null terminator)
	//   [ilt end)                   import address table (identical layout, separate copy)
	//   [iat end)                   hint/name table entries
	//   [names end)                 the DLL name string
	descriptorsOff := uint32(0)
	descriptorsSize := uint32(2 * importDescriptorSize)
	iltOff := descriptorsOff + descriptorsSize
	iltSize := uint32(len(funcNames)+1) * entrySize
	iatOff := iltOff + iltSize
	iatSize := iltSize
	namesOff := iatOff + iatSize

	var names bytes.Buffer
	hintNameOffsets := make([]uint32, len(funcNames))
	for i, fn := range funcNames {
		hintNameOffsets[i] = namesOff + uint32(names.Len())
		names.Write([]byte{0, 0}) // Hint
		names.WriteString(fn)
		names.WriteByte(0)
		if names.Len()%2 != 0 {
			names.WriteByte(0)
		}
	}
	dllNameOff := namesOff + uint32(names.Len())
	names.WriteString(dllName)
	names.WriteByte(0)

	total := dllNameOff + uint32(len(dllName)) + 1
	buf := make([]byte, total)

	// Descriptor 0: the real entry.
	binary.LittleEndian.PutUint32(buf[0:], vaddr+iltOff)     // OriginalFirstThunk
	binary.LittleEndian.PutUint32(buf[8:], 0)                // ForwarderChain
	binary.LittleEndian.PutUint32(buf[12:], vaddr+dllNameOff) // Name
	binary.LittleEndian.PutUint32(buf[16:], vaddr+iatOff)     // FirstThunk
	// Descriptor 1 (bytes 20..40) stays zero: the required null terminator.

	writeThunks := func(off uint32) {
		for i, hOff := range hintNameOffsets {
			entryOff := off + uint32(i)*entrySize
			if f.Is64 {
				binary.LittleEndian.PutUint64(buf[entryOff:], uint64(vaddr+hOff))
			} else {
				binary.LittleEndian.PutUint32(buf[entryOff:], vaddr+hOff)
			}
		}
	}
	writeThunks(iltOff)
	writeThunks(iatOff)
	copy(buf[namesOff:], names.Bytes())

	fileOff := uint32(0)
	for _, s := range f.Sections {
		if end := s.PointerToRawData + s.SizeOfRawData; end > fileOff {
			fileOff = end
		}
	}
	fileOff = alignUp32(fileOff, f.FileAlignment)
	rawSize := alignUp32(uint32(len(buf)), f.FileAlignment)
	padded := make([]byte, rawSize)
	copy(padded, buf)

	f.Sections = append(f.Sections, Section{
		Name:             ".idata",
		VirtualSize:      uint32(len(buf)),
		VirtualAddress:   vaddr,
		SizeOfRawData:    rawSize,
		PointerToRawData: fileOff,
		Characteristics:  peSectionCharacteristics,
		Data:             padded,
	})

	f.setDataDirectory(1 /* IMAGE_DIRECTORY_ENTRY_IMPORT */, vaddr+descriptorsOff, descriptorsSize)
	return nil
}
