package pemodel

import (
	"errors"
	"fmt"

	"github.com/xyproto/fripac/internal/markerpatch"
)

// ErrMarkerMissing means no unpatched embedded-config marker could be
// located in the serialized image after appending the payload section.
var ErrMarkerMissing = errors.New("pemodel: embedded-config marker not found")

const peSectionCharacteristics = 0xC0000040 // IMAGE_SCN_CNT_INITIALIZED_DATA | MEM_READ | MEM_WRITE

// EmbedPayload implements C5 + C6 for PE loaders: append data as a new
// section past the end of the current image and patch the embedded-config
// marker so its data_offset resolves to it. Grounded on
// original_source/src/binary.rs's copy_pe_file (reserve-then-write two
// pass) and Binject-debug's pe-reloc write idiom for keeping the existing
// base-relocation/certificate data intact across the rewrite: since the
// new section holds flat, non-relocatable payload bytes, the existing
// .reloc directory is copied through unchanged — no new fixups are
// introduced by appending it.
func (f *File) EmbedPayload(data []byte, useXZ bool) error {
	if err := f.reload(); err != nil {
		return err
	}

	vaddr := uint32(0)
	for _, s := range f.Sections {
		if end := alignUp32(s.VirtualAddress+s.VirtualSize, f.SectionAlignment); end > vaddr {
			vaddr = end
		}
	}

	fileOff := uint32(0)
	for _, s := range f.Sections {
		if end := s.PointerToRawData + s.SizeOfRawData; end > fileOff {
			fileOff = end
		}
	}
	fileOff = alignUp32(fileOff, f.FileAlignment)
	rawSize := alignUp32(uint32(len(data)), f.FileAlignment)
	paddedData := make([]byte, rawSize)
	copy(paddedData, data)

	f.Sections = append(f.Sections, Section{
		Name:             ".fripac",
		VirtualSize:      uint32(len(data)),
		VirtualAddress:   vaddr,
		SizeOfRawData:    rawSize,
		PointerToRawData: fileOff,
		Characteristics:  peSectionCharacteristics,
		Data:             paddedData,
	})
	newSectionIdx := len(f.Sections) - 1

	final := f.Bytes()
	markerOff, ok := markerpatch.Find(final)
	if !ok {
		return fmt.Errorf("%w: after appending payload", ErrMarkerMissing)
	}

	s, sIdx := f.sectionContainingOffset(markerOff)
	if s == nil {
		return fmt.Errorf("pemodel: no section covers marker offset %d", markerOff)
	}
	n := &f.Sections[newSectionIdx]

	dataOffset, err := markerpatch.PatchOffset(
		markerOff,
		markerpatch.Span{FileOffset: int64(s.PointerToRawData), Vaddr: int64(s.VirtualAddress)},
		markerpatch.Span{FileOffset: int64(n.PointerToRawData), Vaddr: int64(n.VirtualAddress)},
	)
	if err != nil {
		return err
	}

	local := markerOff - int64(f.Sections[sIdx].PointerToRawData)
	return markerpatch.Write(f.Sections[sIdx].Data, local, int32(len(data)), dataOffset, useXZ)
}

// sectionContainingOffset returns the section (and its index) whose raw
// file range contains the given absolute offset.
func (f *File) sectionContainingOffset(off int64) (*Section, int) {
	for i := range f.Sections {
		s := &f.Sections[i]
		start := int64(s.PointerToRawData)
		end := start + int64(len(s.Data))
		if off >= start && off < end {
			return s, i
		}
	}
	return nil, -1
}

// reload re-serializes the current model and re-parses it, matching
// elfmodel's "reset, recompute, re-serialize, re-parse" idiom.
func (f *File) reload() error {
	data := f.Bytes()
	reparsed, err := Parse(data)
	if err != nil {
		return fmt.Errorf("pemodel: reload: %w", err)
	}
	*f = *reparsed
	return nil
}
